package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/PageStore/src"
	"github.com/Blackdeer1524/PageStore/src/bufferpool"
	"github.com/Blackdeer1524/PageStore/src/pkg/utils"
	"github.com/Blackdeer1524/PageStore/src/recovery"
	"github.com/Blackdeer1524/PageStore/src/storage/disk"
	"github.com/Blackdeer1524/PageStore/src/txns"
	"github.com/Blackdeer1524/PageStore/src/workload"
)

// Entrypoint owns the stores and the persistence manager of one process.
// Startup order is: open stores, recover, put back pages recovery could
// not write, open the transaction API.
type Entrypoint struct {
	Env EnvVars
	// defaults to the OS file system
	Fs afero.Fs
	// defaults to a zap logger picked by Env.Environment
	Log src.Logger

	pages *disk.Manager
	logs  *recovery.LogStore
	pool  *bufferpool.Manager

	report *recovery.Report
}

func (e *Entrypoint) initLogger() {
	if e.Log != nil {
		return
	}

	if e.Env.Environment == EnvDev {
		e.Log = utils.Must(zap.NewDevelopment()).Sugar()
	} else {
		e.Log = utils.Must(zap.NewProduction()).Sugar()
	}
}

// OpenStores opens the page store and the log store. The log numbering
// never goes below the highest LSN already persisted on a page, so an
// emptied log keeps producing fresh LSNs.
func (e *Entrypoint) OpenStores() error {
	if err := e.Env.Validate(); err != nil {
		return err
	}
	e.initLogger()
	if e.Fs == nil {
		e.Fs = afero.NewOsFs()
	}

	pages, err := disk.New(
		e.Fs,
		e.Env.StoreDir,
		e.Env.PageRange(),
		e.Log,
		disk.WithCache(e.Env.PageCacheSize),
	)
	if err != nil {
		return fmt.Errorf("failed to open page store: %w", err)
	}
	e.pages = pages

	opts := []recovery.LogOption{recovery.WithSync(e.Env.SyncWrites)}
	highest, ok, err := pages.HighestLSN()
	if err != nil {
		e.Log.Warnw("some pages could not be read while looking for the highest lsn",
			"error", err,
		)
	}
	if ok {
		opts = append(opts, recovery.WithMinLSN(highest+1))
	}

	logs, err := recovery.OpenLogStore(e.Fs, e.Env.StoreDir, e.Log, opts...)
	if err != nil {
		return fmt.Errorf("failed to open log store: %w", err)
	}
	e.logs = logs

	e.Log.Infow("stores opened",
		"dir", e.Env.StoreDir,
		"log", logs.Path(),
		"nextLSN", logs.NextLSN(),
		"maxTxnID", logs.MaxTxnID(),
	)
	return nil
}

// Recover runs the recovery procedure over the opened stores.
func (e *Entrypoint) Recover(opts ...recovery.RecoverOption) (*recovery.Report, error) {
	report, err := recovery.Recover(e.logs, e.pages, e.Log, opts...)
	if err != nil {
		return nil, fmt.Errorf("recovery failed: %w", err)
	}
	e.report = report
	return report, nil
}

// TruncateLog empties the log. Only safe when every committed write is on
// its page, that is after a recovery without failures.
func (e *Entrypoint) TruncateLog() error {
	if e.report == nil {
		return errors.New("log truncation requires a recovery run first")
	}
	if len(e.report.Failed) > 0 {
		return fmt.Errorf("refusing to truncate the log: %d pages failed to recover", len(e.report.Failed))
	}
	return e.logs.Clear()
}

func (e *Entrypoint) Dump(w io.Writer, filterCommitted bool) error {
	return e.logs.Dump(w, filterCommitted)
}

// Init opens the stores, recovers and opens the transaction API.
func (e *Entrypoint) Init(_ context.Context) error {
	if err := e.OpenStores(); err != nil {
		return err
	}

	report, err := e.Recover()
	if err != nil {
		return err
	}

	e.pool = bufferpool.New(
		e.logs,
		e.pages,
		txns.NewTxnManager(e.logs.MaxTxnID()),
		e.Log,
		bufferpool.WithFlushThreshold(e.Env.FlushThreshold),
		bufferpool.WithPageRange(e.Env.PageRange()),
	)

	if len(report.Failed) > 0 {
		e.Log.Warnw("rebuffering pages recovery could not write",
			"pages", len(report.Failed),
		)
		e.pool.Rebuffer(report.Failed)
	}

	return nil
}

func (e *Entrypoint) Pool() *bufferpool.Manager {
	return e.pool
}

// Run drives the workload for Env.Duration or until ctx is done.
func (e *Entrypoint) Run(ctx context.Context) (workload.Summary, error) {
	driver, err := workload.New(e.pool, workload.Config{
		Clients:         e.Env.Clients,
		MaxWritesPerTxn: e.Env.MaxWritesPerTxn,
		ThinkTime:       e.Env.ThinkTime,
		Pages:           e.Env.PageRange(),
	}, e.Log)
	if err != nil {
		return workload.Summary{}, err
	}

	if e.Env.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Env.Duration)
		defer cancel()
	}

	var summary workload.Summary
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		summary, err = driver.Run(gctx)
		return err
	})
	if e.Env.FlushInterval > 0 {
		g.Go(func() error {
			return e.pool.RunFlusher(gctx, e.Env.FlushInterval)
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

// Close flushes what it can and closes the stores. Uncommitted writes are
// left to the log.
func (e *Entrypoint) Close() (err error) {
	if e.pool != nil {
		if flushErr := e.pool.Close(); flushErr != nil {
			err = errors.Join(err, fmt.Errorf("final flush failed: %w", flushErr))
		}
	}

	if e.logs != nil {
		err = errors.Join(err, e.logs.Close())
	}
	if e.pages != nil {
		e.pages.Close()
	}

	if e.Log != nil {
		if err != nil {
			e.Log.Error("failed to close", zap.Error(err))
		}
		// syncing stderr fails on some terminals
		_ = e.Log.Sync()
	}

	return err
}
