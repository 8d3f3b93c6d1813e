package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/backend"
	"github.com/dd0wney/cluso-eventindex/pkg/committer"
	"github.com/dd0wney/cluso-eventindex/pkg/config"
	"github.com/dd0wney/cluso-eventindex/pkg/health"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/metrics"
	"github.com/dd0wney/cluso-eventindex/pkg/pubsub"
	"github.com/dd0wney/cluso-eventindex/pkg/streamfilter"
	"github.com/dd0wney/cluso-eventindex/pkg/tableindex"
	"github.com/dd0wney/cluso-eventindex/pkg/tlog"
)

// rebuildResult summarises a finished rebuild.
type rebuildResult struct {
	BuildTo      int64
	LastIndexed  int64
	Tables       int
	StreamFilter int64
	Took         time.Duration
	Health       health.Status
}

func runRebuild(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	fs.SetOutput(w)
	configPath := fs.String("config", "", "path to the index YAML configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := logging.NewJSONLogger(os.Stderr, cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := rebuild(ctx, cfg, logger, metrics.DefaultRegistry())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "rebuilt to %d: last commit %d, %d tables, stream filter at %d, %s (%s)\n",
		res.BuildTo, res.LastIndexed, res.Tables, res.StreamFilter, res.Health, res.Took.Round(time.Millisecond))
	return nil
}

// rebuild brings the index in cfg.IndexDir up to the end of the
// transaction log and persists everything it built.
func rebuild(ctx context.Context, cfg config.Config, logger logging.Logger, reg *metrics.Registry) (res rebuildResult, err error) {
	start := time.Now()
	tracker := reg.Tracker()

	res.BuildTo, err = tlog.End(cfg.LogPath)
	if err != nil {
		return res, err
	}

	tiOpts := cfg.TableIndexOptions(logger)
	tiOpts.Table.Observer = tracker
	ti, err := tableindex.New(tiOpts)
	if err != nil {
		return res, err
	}
	defer func() {
		if closeErr := ti.Close(context.Background()); err == nil {
			err = closeErr
		}
	}()

	filter, err := streamfilter.Open(cfg.StreamFilterOptions(logger))
	if err != nil {
		return res, err
	}

	bus := pubsub.NewPubSub(pubsub.Options{Logger: logger})
	defer bus.Shutdown()

	opts := cfg.CommitterOptions(logger)
	opts.TableIndex = ti
	opts.Backend = backend.New(cfg.StreamCacheCapacity)
	opts.Filter = filter
	opts.Publisher = bus
	opts.Tracker = tracker
	opts.OpenReader = func() (committer.LogReader, error) {
		r, err := tlog.OpenReader(cfg.LogPath)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	c, err := committer.New(opts)
	if err != nil {
		return res, err
	}
	defer c.Close()

	if err := c.Init(ctx, res.BuildTo); err != nil {
		return res, fmt.Errorf("rebuild failed: %w", err)
	}

	ti.FlushMemTable()
	if err := ti.WaitForBackgroundTasks(ctx); err != nil {
		return res, err
	}
	if err := filter.Flush(); err != nil {
		return res, err
	}

	res.LastIndexed = c.LastIndexedPosition()
	res.Tables = ti.TableCount()
	res.StreamFilter = filter.Checkpoint()
	res.Took = time.Since(start)
	reg.UpdateTableIndexMetrics(res.Tables, res.LastIndexed)

	checker := health.NewChecker()
	checker.Register("committer", health.RebuildCheck(c.IsRebuilding))
	checker.Register("table_index", health.TableIndexCheck(ti, 2*cfg.MaxTablesBeforeMerge))
	res.Health = checker.Check().Status
	return res, nil
}
