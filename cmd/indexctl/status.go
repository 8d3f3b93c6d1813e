package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"

	"github.com/dd0wney/cluso-eventindex/pkg/config"
	"github.com/dd0wney/cluso-eventindex/pkg/health"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/streamfilter"
	"github.com/dd0wney/cluso-eventindex/pkg/tableindex"
	"github.com/dd0wney/cluso-eventindex/pkg/tlog"
)

// maxStatusLag is how far, in log bytes, the index may trail the log
// before it reports as degraded.
const maxStatusLag = 64 << 20

var errUnhealthy = errors.New("index is unhealthy")

func runStatus(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(w)
	configPath := fs.String("config", "", "path to the index YAML configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	resp, err := status(cfg, logging.NewJSONLogger(os.Stderr, cfg.Level()))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if !resp.Healthy() {
		return errUnhealthy
	}
	return nil
}

// status opens the persisted index and checks it against the log.
func status(cfg config.Config, logger logging.Logger) (health.Response, error) {
	logEnd, err := tlog.End(cfg.LogPath)
	if err != nil {
		return health.Response{}, err
	}

	ti, err := tableindex.New(cfg.TableIndexOptions(logger))
	if err != nil {
		return health.Response{}, err
	}
	defer ti.Close(context.Background())
	if err := ti.Initialize(logEnd); err != nil {
		return health.Response{}, err
	}

	filter, err := streamfilter.Open(cfg.StreamFilterOptions(logger))
	if err != nil {
		return health.Response{}, err
	}

	end := func() int64 { return logEnd }
	checker := health.NewChecker()
	checker.Register("table_index", health.TableIndexCheck(ti, 2*cfg.MaxTablesBeforeMerge))
	checker.Register("commit_checkpoint", health.LagCheck("commit_checkpoint", ti.CommitCheckpoint, end, maxStatusLag))
	checker.Register("stream_filter", health.LagCheck("stream_filter", filter.Checkpoint, end, maxStatusLag))
	return checker.Check(), nil
}
