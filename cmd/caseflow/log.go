package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/caseflow/internal/orchestrator"
	"github.com/ShayCichocki/caseflow/internal/state"
)

var logFollow bool

var logCmd = &cobra.Command{
	Use:   "log [run-id]",
	Short: "Print a run log",
	Long: `Print the structured log of a run (the latest by default).

With --follow, keep printing lines as they are written, like tail -f.
Stop with Ctrl+C.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLog,
}

func init() {
	logCmd.Flags().BoolVarP(&logFollow, "follow", "F", false, "Keep printing new lines")
}

func runLog(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}

	runID := ""
	if len(args) == 1 {
		runID = args[0]
	} else {
		db, err := state.OpenWorkDir(e.workDir)
		if err != nil {
			return fmt.Errorf("open state: %w", err)
		}
		run, err := db.LatestRun()
		db.Close()
		if err != nil {
			return fmt.Errorf("get latest run: %w", err)
		}
		if run == nil {
			return fmt.Errorf("no runs recorded in %s", e.workDir)
		}
		runID = run.ID
	}

	path := orchestrator.RunLogPath(e.workDir, runID)
	if !logFollow {
		_, err := copyFrom(path, 0, os.Stdout)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return followFile(ctx, path, os.Stdout)
}

// copyFrom writes the contents of path past offset to out and returns the
// new offset.
func copyFrom(path string, offset int64, out io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if info.Size() < offset {
		// Truncated; start over.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	n, err := io.Copy(out, f)
	return offset + n, err
}

// followFile prints path and then every append to it until ctx is done. The
// file may not exist yet.
func followFile(ctx context.Context, path string, out io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so a log created after we start is picked up.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var offset int64
	if _, err := os.Stat(path); err == nil {
		if offset, err = copyFrom(path, 0, out); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if offset, err = copyFrom(path, offset, out); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
}
