// Package streamfilter answers "might this stream exist?" without touching
// the index, using a bloom filter fed from the transaction log.
package streamfilter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-eventindex/pkg/bloom"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/tlog"
	"github.com/dd0wney/cluso-eventindex/pkg/validation"
)

const (
	filterFile     = "streamexistence.bloomfilter"
	checkpointFile = "streamexistence.chk"
)

// LogReader is the part of tlog.Reader the filter scans with.
type LogReader interface {
	Reposition(pos int64)
	TryReadNext(ctx context.Context) (tlog.ReadResult, bool, error)
}

// Options configures a Filter.
type Options struct {
	Dir               string
	ExpectedStreams   int
	FalsePositiveRate float64
	Logger            logging.Logger
}

// DefaultOptions returns options for a filter stored in dir.
func DefaultOptions(dir string) Options {
	return Options{Dir: dir, ExpectedStreams: 1_000_000, FalsePositiveRate: 0.01}
}

// Validate checks the options. Zero sizing values fall back to defaults.
func (o Options) Validate() error {
	return validation.NewConfigValidator("StreamFilter").
		Required("Dir", o.Dir).
		When(o.FalsePositiveRate != 0, func(cv *validation.ConfigValidator) {
			cv.OpenUnitInterval("FalsePositiveRate", o.FalsePositiveRate)
		}).
		Validate()
}

// Filter never returns false for a stream that was added.
type Filter struct {
	opts   Options
	logger logging.Logger

	mu         sync.RWMutex
	bloom      *bloom.Filter
	checkpoint int64
}

type checkpointState struct {
	Checkpoint int64 `yaml:"checkpoint"`
}

// Open loads the persisted filter from opts.Dir, starting empty when there
// is none or it cannot be read.
func Open(opts Options) (*Filter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}
	f := &Filter{
		opts:       opts,
		logger:     logging.OrDefault(opts.Logger).With(logging.Component("streamfilter")),
		checkpoint: -1,
	}

	b, err := bloom.OpenFile(filepath.Join(opts.Dir, filterFile))
	if err == nil {
		cp, cpErr := readCheckpoint(filepath.Join(opts.Dir, checkpointFile))
		if cpErr == nil {
			f.bloom, f.checkpoint = b, cp
			return f, nil
		}
		err = cpErr
	}
	if !errors.Is(err, os.ErrNotExist) {
		f.logger.Warn("stream filter unreadable, rebuilding from the log", logging.Error(err))
	}
	f.bloom = f.newBloom()
	return f, nil
}

func (f *Filter) newBloom() *bloom.Filter {
	return bloom.New(max(f.opts.ExpectedStreams, 1), f.opts.FalsePositiveRate)
}

func readCheckpoint(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var st checkpointState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return 0, fmt.Errorf("invalid stream filter checkpoint: %w", err)
	}
	return st.Checkpoint, nil
}

// MightContain reports whether streamID may have been added.
func (f *Filter) MightContain(streamID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bloom.MayContain([]byte(streamID))
}

// Add records streamID as seen in the record at logPosition.
func (f *Filter) Add(streamID string, logPosition int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bloom.Add([]byte(streamID))
	f.checkpoint = max(f.checkpoint, logPosition)
}

// Checkpoint is the position of the last record whose stream was added.
func (f *Filter) Checkpoint() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.checkpoint
}

// Initialize catches the filter up with the log up to truncateTo. A filter
// that has seen records at or beyond truncateTo is reset, since streams
// cannot be removed from it.
func (f *Filter) Initialize(ctx context.Context, reader LogReader, truncateTo int64) error {
	f.mu.Lock()
	if f.checkpoint >= truncateTo {
		f.logger.Info("truncating stream filter",
			logging.Int64("checkpoint", f.checkpoint), logging.Int64("truncate_to", truncateTo))
		f.bloom = f.newBloom()
		f.checkpoint = -1
	}
	from := max(f.checkpoint, 0)
	f.mu.Unlock()

	timer := logging.StartTimer(f.logger, "stream filter initialized", logging.Int64("from", from))
	reader.Reposition(from)
	count := 0
	for {
		res, ok, err := reader.TryReadNext(ctx)
		if err != nil {
			return err
		}
		if !ok || res.Record.Position() >= truncateTo {
			break
		}
		if p, isPrepare := res.Record.(*tlog.PrepareRecord); isPrepare {
			f.Add(p.EventStreamID, p.LogPosition)
			count++
		}
	}
	timer.End()
	f.logger.Debug("stream filter caught up", logging.Count(count))
	return f.Flush()
}

// Flush persists the filter and its checkpoint.
func (f *Filter) Flush() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.bloom.WriteFile(filepath.Join(f.opts.Dir, filterFile)); err != nil {
		return fmt.Errorf("failed to persist stream filter: %w", err)
	}
	data, err := yaml.Marshal(checkpointState{Checkpoint: f.checkpoint})
	if err != nil {
		return err
	}
	path := filepath.Join(f.opts.Dir, checkpointFile)
	if err := os.WriteFile(path+".tmp", data, 0644); err != nil {
		return err
	}
	return os.Rename(path+".tmp", path)
}
