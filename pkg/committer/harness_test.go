package committer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-eventindex/pkg/backend"
	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/pubsub"
	"github.com/dd0wney/cluso-eventindex/pkg/streamfilter"
	"github.com/dd0wney/cluso-eventindex/pkg/tableindex"
	"github.com/dd0wney/cluso-eventindex/pkg/tlog"
)

type recordingTracker struct {
	mu      sync.Mutex
	indexed int
	commits int
}

func (r *recordingTracker) OnIndexed(prepares []*tlog.PrepareRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed += len(prepares)
}

func (r *recordingTracker) OnCommit(int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits++
}

func (r *recordingTracker) OnRebuildProgress(int64, int64, int64) {}

// logWriter appends records the way the storage writer does.
type logWriter struct {
	t    *testing.T
	path string
	w    *tlog.Writer
}

func newLogWriter(t *testing.T) *logWriter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tlog")
	w, err := tlog.OpenWriter(path, tlog.WriterOptions{Logger: logging.NewNopLogger()})
	if err != nil {
		t.Fatalf("Failed to open log writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return &logWriter{t: t, path: path, w: w}
}

func (lw *logWriter) end() int64 { return lw.w.Position() }

func (lw *logWriter) append(rec tlog.Record) int64 {
	lw.t.Helper()
	pos, err := lw.w.Append(rec)
	if err != nil {
		lw.t.Fatalf("Failed to append %s: %v", rec.Type(), err)
	}
	return pos
}

// transaction writes an explicit transaction of n events and its commit.
func (lw *logWriter) transaction(stream string, firstEventNumber int64, n int, extra tlog.PrepareFlags) (*tlog.CommitRecord, []*tlog.PrepareRecord) {
	lw.t.Helper()
	txPos := tlog.SelfTransaction
	var prepares []*tlog.PrepareRecord
	for i := range n {
		flags := tlog.FlagData | extra
		if i == 0 {
			flags |= tlog.FlagTransactionBegin
		}
		if i == n-1 {
			flags |= tlog.FlagTransactionEnd
		}
		p := &tlog.PrepareRecord{
			Flags:               flags,
			TransactionPosition: txPos,
			TransactionOffset:   int32(i),
			ExpectedVersion:     tlog.ExpectedVersionAny,
			EventStreamID:       stream,
			EventID:             uuid.New(),
			EventType:           "Tested",
		}
		lw.append(p)
		txPos = p.TransactionPosition
		prepares = append(prepares, p)
	}
	commit := &tlog.CommitRecord{TransactionPosition: txPos, FirstEventNumber: firstEventNumber}
	lw.append(commit)
	return commit, prepares
}

// implicit writes one implicitly committed batch. Each event is given as
// a stream and its expected version.
func (lw *logWriter) implicit(events ...implicitEvent) []*tlog.PrepareRecord {
	lw.t.Helper()
	txPos := tlog.SelfTransaction
	var prepares []*tlog.PrepareRecord
	for i, e := range events {
		flags := tlog.FlagData | tlog.FlagIsCommitted | e.flags
		if i == 0 {
			flags |= tlog.FlagTransactionBegin
		}
		if i == len(events)-1 {
			flags |= tlog.FlagTransactionEnd
		}
		eventType := e.eventType
		if eventType == "" {
			eventType = "Tested"
		}
		p := &tlog.PrepareRecord{
			Flags:               flags,
			TransactionPosition: txPos,
			TransactionOffset:   int32(i),
			ExpectedVersion:     e.expectedVersion,
			EventStreamID:       e.stream,
			EventID:             uuid.New(),
			EventType:           eventType,
			Data:                e.data,
		}
		lw.append(p)
		txPos = p.TransactionPosition
		prepares = append(prepares, p)
	}
	return prepares
}

type implicitEvent struct {
	stream          string
	expectedVersion int64
	flags           tlog.PrepareFlags
	eventType       string
	data            []byte
}

func ev(stream string, expectedVersion int64) implicitEvent {
	return implicitEvent{stream: stream, expectedVersion: expectedVersion}
}

type harness struct {
	t       *testing.T
	log     *logWriter
	dir     string
	index   *tableindex.TableIndex
	backend *backend.Backend
	filter  *streamfilter.Filter
	bus     *pubsub.PubSub
	tracker *recordingTracker
	c       *Committer

	committed *pubsub.Subscription
	tfEof     *pubsub.Subscription
}

type harnessConfig struct {
	opts  *Options
	index *tableindex.Options
	wrap  func(*tableindex.TableIndex) TableIndex
}

type harnessOption func(*harnessConfig)

func withChecks() harnessOption {
	return func(c *harnessConfig) { c.opts.AdditionalCommitChecks = true }
}

func withHasher(h index.StreamHasher) harnessOption {
	return func(c *harnessConfig) { c.index.Hasher = h }
}

func withTableIndexOptions(mutate func(*tableindex.Options)) harnessOption {
	return func(c *harnessConfig) { mutate(c.index) }
}

// withIndexWrapper hands the committer wrap(index) instead of the index.
func withIndexWrapper(wrap func(*tableindex.TableIndex) TableIndex) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

// newHarness wires a committer over lw with its index stored in dir.
func newHarness(t *testing.T, lw *logWriter, dir string, options ...harnessOption) *harness {
	t.Helper()
	nop := logging.NewNopLogger()

	tiOpts := tableindex.DefaultOptions(filepath.Join(dir, "index"))
	tiOpts.Table.LRUCacheSize = 100
	tiOpts.Logger = nop

	fOpts := streamfilter.DefaultOptions(filepath.Join(dir, "filter"))
	fOpts.ExpectedStreams = 1000
	fOpts.Logger = nop

	h := &harness{
		t:       t,
		log:     lw,
		dir:     dir,
		backend: backend.New(100),
		bus:     pubsub.NewPubSub(pubsub.Options{Logger: nop}),
		tracker: &recordingTracker{},
	}
	t.Cleanup(h.bus.Shutdown)

	opts := Options{
		Backend: h.backend,
		OpenReader: func() (LogReader, error) {
			r, err := tlog.OpenReader(lw.path)
			if err != nil {
				return nil, err
			}
			return r, nil
		},
		Publisher: h.bus,
		Tracker:   h.tracker,
		Logger:    nop,
	}
	cfg := harnessConfig{opts: &opts, index: &tiOpts}
	for _, o := range options {
		o(&cfg)
	}

	var err error
	h.index, err = tableindex.New(tiOpts)
	if err != nil {
		t.Fatalf("Failed to create table index: %v", err)
	}
	t.Cleanup(func() { _ = h.index.Close(context.Background()) })
	h.filter, err = streamfilter.Open(fOpts)
	if err != nil {
		t.Fatalf("Failed to open stream filter: %v", err)
	}

	opts.TableIndex = h.index
	if cfg.wrap != nil {
		opts.TableIndex = cfg.wrap(h.index)
	}
	opts.Filter = h.filter
	h.c, err = New(opts)
	if err != nil {
		t.Fatalf("Failed to create committer: %v", err)
	}
	t.Cleanup(func() { _ = h.c.Close() })

	h.committed, err = h.bus.Subscribe(context.Background(), TopicEventCommitted)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	h.tfEof, err = h.bus.Subscribe(context.Background(), TopicTfEofAtNonCommitRecord)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	return h
}

func (h *harness) init() {
	h.t.Helper()
	if err := h.c.Init(context.Background(), h.log.end()); err != nil {
		h.t.Fatalf("Init failed: %v", err)
	}
}

func (h *harness) commit(commit *tlog.CommitRecord) int64 {
	h.t.Helper()
	n, err := h.c.Commit(context.Background(), commit, false, true)
	if err != nil {
		h.t.Fatalf("Commit failed: %v", err)
	}
	return n
}

func (h *harness) commitPrepares(prepares []*tlog.PrepareRecord) {
	h.t.Helper()
	if err := h.c.CommitPrepares(context.Background(), prepares, 0, nil, false, true); err != nil {
		h.t.Fatalf("CommitPrepares failed: %v", err)
	}
}

func (h *harness) waitBackground() {
	h.t.Helper()
	if err := h.index.WaitForBackgroundTasks(context.Background()); err != nil {
		h.t.Fatalf("Background tasks failed: %v", err)
	}
}

// versions returns the indexed (version, position) pairs of stream, newest
// first.
func (h *harness) versions(stream string) []index.IndexEntry {
	h.t.Helper()
	entries, err := h.index.GetRange(stream, 0, tlog.EventNumberDeletedStream, 0)
	if err != nil {
		h.t.Fatalf("GetRange(%s) failed: %v", stream, err)
	}
	return entries
}

func drain[T any](sub *pubsub.Subscription) []T {
	var out []T
	for {
		select {
		case msg := <-sub.Channel():
			out = append(out, msg.(T))
		default:
			return out
		}
	}
}
