package workload

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants"

	"github.com/Blackdeer1524/PageStore/src"
	"github.com/Blackdeer1524/PageStore/src/bufferpool"
	"github.com/Blackdeer1524/PageStore/src/pkg/common"
)

// DefaultBandWidth is the number of consecutive pages a client writes to.
const DefaultBandWidth = 10

type Config struct {
	Clients         int
	MaxWritesPerTxn int
	// pause after every write; a random extra of up to the same amount is added
	ThinkTime time.Duration
	Pages     common.PageRange
	BandWidth int
	// 0 picks a time based seed
	Seed int64
}

type Summary struct {
	RunID     uuid.UUID
	Begun     uint64
	Committed uint64
	Writes    uint64
	// transactions left without an end record when the run stopped
	Abandoned uint64
	Failures  uint64
}

type counters struct {
	begun     atomic.Uint64
	committed atomic.Uint64
	writes    atomic.Uint64
	abandoned atomic.Uint64
	failures  atomic.Uint64
}

// Driver runs named clients against a buffer pool. Every client loops
// begin, a random number of writes to pages of its own band, commit until
// the context is done.
type Driver struct {
	pool  bufferpool.BufferPool
	cfg   Config
	log   src.Logger
	runID uuid.UUID

	stats counters
}

func New(pool bufferpool.BufferPool, cfg Config, log src.Logger) (*Driver, error) {
	if cfg.Clients <= 0 {
		return nil, fmt.Errorf("client count must be positive, got %d", cfg.Clients)
	}
	if cfg.MaxWritesPerTxn <= 0 {
		return nil, fmt.Errorf("writes per transaction must be positive, got %d", cfg.MaxWritesPerTxn)
	}
	if cfg.Pages.Size() == 0 {
		return nil, fmt.Errorf("empty page range [%d, %d]", cfg.Pages.Min, cfg.Pages.Max)
	}
	if cfg.BandWidth <= 0 || cfg.BandWidth > cfg.Pages.Size() {
		cfg.BandWidth = min(DefaultBandWidth, cfg.Pages.Size())
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	runID := uuid.New()
	return &Driver{
		pool:  pool,
		cfg:   cfg,
		log:   log,
		runID: runID,
	}, nil
}

func (d *Driver) RunID() uuid.UUID {
	return d.runID
}

func (d *Driver) ClientName(i int) string {
	return fmt.Sprintf("client%d", i+1)
}

// FirstPage returns the lowest page of the band of client i. Bands wrap
// around the page range.
func (d *Driver) FirstPage(i int) common.PageID {
	offset := (i * d.cfg.BandWidth) % d.cfg.Pages.Size()
	if offset+d.cfg.BandWidth > d.cfg.Pages.Size() {
		offset = d.cfg.Pages.Size() - d.cfg.BandWidth
	}
	return d.cfg.Pages.Min + common.PageID(offset)
}

// Run blocks until ctx is done and every client returned.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	workers, err := ants.NewPool(d.cfg.Clients)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to create client pool: %w", err)
	}
	defer workers.Release()

	d.log.Infow("starting workload",
		"runID", d.runID,
		"clients", d.cfg.Clients,
		"seed", d.cfg.Seed,
	)

	var wg sync.WaitGroup
	for i := range d.cfg.Clients {
		c := &client{
			name:      d.ClientName(i),
			firstPage: d.FirstPage(i),
			rnd:       rand.New(rand.NewSource(d.cfg.Seed + int64(i))),
			d:         d,
		}

		wg.Add(1)
		if err := workers.Submit(func() {
			defer wg.Done()
			c.run(ctx)
		}); err != nil {
			wg.Done()
			wg.Wait()
			return d.summary(), fmt.Errorf("failed to start %s: %w", c.name, err)
		}
	}
	wg.Wait()

	summary := d.summary()
	d.log.Infow("workload stopped",
		"runID", d.runID,
		"begun", summary.Begun,
		"committed", summary.Committed,
		"writes", summary.Writes,
		"abandoned", summary.Abandoned,
		"failures", summary.Failures,
	)
	return summary, nil
}

func (d *Driver) summary() Summary {
	return Summary{
		RunID:     d.runID,
		Begun:     d.stats.begun.Load(),
		Committed: d.stats.committed.Load(),
		Writes:    d.stats.writes.Load(),
		Abandoned: d.stats.abandoned.Load(),
		Failures:  d.stats.failures.Load(),
	}
}

type client struct {
	name      string
	firstPage common.PageID
	rnd       *rand.Rand
	d         *Driver
}

func (c *client) run(ctx context.Context) {
	for ctx.Err() == nil {
		c.transaction(ctx)
	}
}

func (c *client) transaction(ctx context.Context) {
	d := c.d

	txnID, err := d.pool.Begin()
	if err != nil {
		d.stats.failures.Add(1)
		d.log.Warnw("begin failed", "client", c.name, "error", err)
		c.think(ctx)
		return
	}
	d.stats.begun.Add(1)

	writeCount := 1 + c.rnd.Intn(d.cfg.MaxWritesPerTxn)
	for i := range writeCount {
		pageID := c.firstPage + common.PageID(c.rnd.Intn(d.cfg.BandWidth))

		d.log.Debugw("write",
			"client", c.name,
			"txnID", txnID,
			"pageID", pageID,
			"write", i+1,
			"of", writeCount,
		)
		if err := d.pool.Write(txnID, pageID, c.name); err != nil {
			d.stats.failures.Add(1)
			d.log.Warnw("write failed",
				"client", c.name,
				"txnID", txnID,
				"pageID", pageID,
				"error", err,
			)
		} else {
			d.stats.writes.Add(1)
		}

		if !c.think(ctx) {
			d.stats.abandoned.Add(1)
			d.log.Infow("client stopped inside a transaction",
				"client", c.name,
				"txnID", txnID,
			)
			return
		}
	}

	if err := d.pool.Commit(txnID); err != nil {
		d.stats.failures.Add(1)
		d.log.Warnw("commit failed", "client", c.name, "txnID", txnID, "error", err)
		return
	}
	d.stats.committed.Add(1)
}

// think sleeps for the configured think time and reports whether the
// client may go on.
func (c *client) think(ctx context.Context) bool {
	pause := c.d.cfg.ThinkTime
	if pause > 0 {
		pause += time.Duration(c.rnd.Int63n(int64(pause)))
	}
	if pause == 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(pause)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
