package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"caltrigger/internal/ics"
	appLog "caltrigger/internal/log"
	"caltrigger/internal/store"
	"caltrigger/internal/web"
)

const (
	// recordRetention bounds how long seen-transition ids are kept. It only
	// has to outlive the widest detection window.
	recordRetention = 14 * 24 * time.Hour
	watchDebounce   = 500 * time.Millisecond
)

var noWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run cycles on a schedule and serve the HTTP API",
	Long: `Runs a detection cycle on the configured cron schedule and serves the
HTTP API. When the calendar is a local file, a change to that file also
triggers a cycle. Stops gracefully on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch a local calendar file for changes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	cycle := func(reason string) {
		appLog.Debug("cycle triggered", "reason", reason)
		if _, err := a.runner.RunOnce(ctx); err != nil {
			appLog.Error("cycle failed", err, "reason", reason)
		}
	}

	c := cron.New(
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	if _, err := c.AddFunc(cfg.Schedule, func() { cycle("schedule") }); err != nil {
		return err
	}
	if p, ok := a.store.(store.Pruner); ok {
		if _, err := c.AddFunc("@daily", func() { prune(ctx, p) }); err != nil {
			return err
		}
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	if path, ok := ics.LocalPath(cfg.Calendar.URL); ok && !noWatch {
		go func() {
			if err := watchFile(ctx, path, func() { cycle("file changed") }); err != nil {
				appLog.Error("calendar watcher stopped", err, "path", path)
			}
		}()
	}

	go cycle("startup")

	srv := web.NewServer(cfg, a.source, a.detector, a.runner)
	err = srv.ListenAndServe(ctx)
	appLog.Info("caltrigger exiting")
	return err
}

func prune(ctx context.Context, p store.Pruner) {
	n, err := p.Prune(ctx, time.Now().Add(-recordRetention))
	if err != nil {
		appLog.Error("prune records failed", err)
		return
	}
	appLog.Info("pruned records", "count", n)
}

// watchFile calls onChange after path is written, created or renamed into
// place. The parent directory is watched so editors that replace the file
// are still seen. Bursts of events are coalesced.
func watchFile(ctx context.Context, path string, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	appLog.Info("watching calendar file", "path", path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			appLog.Error("watch error", err, "path", path)
		case <-pending:
			pending = nil
			onChange()
		}
	}
}

// cronLogger routes robfig/cron logs into the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
