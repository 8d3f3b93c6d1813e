package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/ptable"
)

var errUsage = errors.New("invalid arguments")

// openTable opens a single table outside of any index, without the
// per-stream cache.
func openTable(path string, verify bool) (*ptable.PTable, error) {
	opts := ptable.DefaultOptions()
	opts.SkipVerify = !verify
	opts.UseBloomFilter = false
	opts.LRUCacheSize = 0
	opts.Logger = logging.NewNopLogger()
	return ptable.Open(path, opts)
}

// parseStream accepts a numeric stream hash or hashes a stream name.
func parseStream(s string) uint64 {
	if h, err := strconv.ParseUint(s, 0, 64); err == nil {
		return h
	}
	return index.DefaultHasher.Hash(s)
}

func printEntry(w io.Writer, e index.IndexEntry) {
	fmt.Fprintf(w, "%#016x\t%d\t%d\n", e.Stream, e.Version, e.Position)
}

func runVerify(args []string, w io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: verify <file>", errUsage)
	}
	start := time.Now()
	t, err := openTable(args[0], true)
	if err != nil {
		return err
	}
	defer t.Dispose()
	fmt.Fprintf(w, "%s: ok (v%d, %d entries, %d midpoints, verified in %s)\n",
		args[0], t.Version(), t.Count(), len(t.Midpoints()), time.Since(start).Round(time.Millisecond))
	return nil
}

func runDump(args []string, w io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: dump <file>", errUsage)
	}
	t, err := openTable(args[0], false)
	if err != nil {
		return err
	}
	defer t.Dispose()

	it, err := t.Iterator()
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		e, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		printEntry(w, e)
	}
}

func runLatest(args []string, w io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: latest <file> <stream>", errUsage)
	}
	t, err := openTable(args[0], false)
	if err != nil {
		return err
	}
	defer t.Dispose()

	e, ok, err := t.TryGetLatestEntry(parseStream(args[1]))
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(w, "not found")
		return nil
	}
	printEntry(w, e)
	return nil
}

func runRange(args []string, w io.Writer) error {
	if len(args) != 4 && len(args) != 5 {
		return fmt.Errorf("%w: range <file> <stream> <from> <to> [limit]", errUsage)
	}
	from, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid from: %w", err)
	}
	to, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid to: %w", err)
	}
	limit := int(^uint(0) >> 1)
	if len(args) == 5 {
		if limit, err = strconv.Atoi(args[4]); err != nil {
			return fmt.Errorf("invalid limit: %w", err)
		}
	}

	t, err := openTable(args[0], false)
	if err != nil {
		return err
	}
	defer t.Dispose()

	entries, err := t.GetRange(parseStream(args[1]), from, to, limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		printEntry(w, e)
	}
	return nil
}
