package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Blackdeer1524/PageStore/src"
	"github.com/Blackdeer1524/PageStore/src/pkg/assert"
	"github.com/Blackdeer1524/PageStore/src/pkg/common"
	"github.com/Blackdeer1524/PageStore/src/storage/page"
	"github.com/Blackdeer1524/PageStore/src/txns"
)

// DefaultFlushThreshold is the number of buffered pages above which a
// write triggers a flush attempt.
const DefaultFlushThreshold = 5

// BufferPool is the transaction API used by clients.
type BufferPool interface {
	Begin() (common.TxnID, error)
	Write(txnID common.TxnID, pageID common.PageID, data string) error
	Commit(txnID common.TxnID) error
}

// Manager is the persistence manager. It logs every transaction boundary
// and write, keeps the latest write of each page in memory and moves
// committed writes to the page store once the buffer grows past the
// flush threshold.
type Manager struct {
	flushThreshold int
	pages          common.PageRange

	// guards the buffer. Held across "log write, install entry, check
	// threshold, flush" so the buffer order of a page follows its LSNs.
	mu     sync.Mutex
	buffer map[common.PageID]common.BufferEntry

	txns        *txns.TxnManager
	diskManager common.DiskManager[*page.Page]
	logger      common.ITxnLogger
	log         src.Logger
}

var (
	_ BufferPool = &Manager{}
)

type Option func(*Manager)

func WithFlushThreshold(threshold int) Option {
	return func(m *Manager) {
		m.flushThreshold = threshold
	}
}

func WithPageRange(pages common.PageRange) Option {
	return func(m *Manager) {
		m.pages = pages
	}
}

func New(
	logger common.ITxnLogger,
	diskManager common.DiskManager[*page.Page],
	txnManager *txns.TxnManager,
	log src.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		flushThreshold: DefaultFlushThreshold,
		pages:          common.DefaultPageRange(),
		mu:             sync.Mutex{},
		buffer:         map[common.PageID]common.BufferEntry{},
		txns:           txnManager,
		diskManager:    diskManager,
		logger:         logger,
		log:            log,
	}

	for _, opt := range opts {
		opt(m)
	}

	assert.Assert(m.flushThreshold >= 0, "flush threshold must not be negative")
	return m
}

// Begin starts a transaction. When its begin record cannot be logged the
// id is burned and an error is returned.
func (m *Manager) Begin() (common.TxnID, error) {
	txnID := m.txns.Begin()

	if _, err := m.logger.AppendBegin(txnID); err != nil {
		m.txns.Forget(txnID)
		m.log.Errorw("failed to log transaction begin",
			"txnID", txnID,
			"error", err,
		)
		return common.NilTxnID, fmt.Errorf("failed to begin transaction %d: %w", txnID, err)
	}

	return txnID, nil
}

// Write logs the write and then buffers it, replacing any buffered write
// of the same page. Flush failures are reported, not returned: the write
// itself is durable at that point.
func (m *Manager) Write(txnID common.TxnID, pageID common.PageID, data string) error {
	if err := m.pages.Check(pageID); err != nil {
		return err
	}
	if err := common.ValidatePayload(data); err != nil {
		return err
	}
	if !m.txns.IsKnown(txnID) {
		return fmt.Errorf("%w: %d", common.ErrUnknownTxn, txnID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lsn, err := m.logger.AppendWrite(txnID, pageID, data)
	if err != nil {
		m.log.Errorw("failed to log page write",
			"txnID", txnID,
			"pageID", pageID,
			"error", err,
		)
		return fmt.Errorf("failed to log write of page %d by %d: %w", pageID, txnID, err)
	}

	m.buffer[pageID] = common.BufferEntry{
		LSN:   lsn,
		TxnID: txnID,
		Data:  data,
	}

	if len(m.buffer) > m.flushThreshold {
		_, _ = m.flushAssumeLocked()
	}
	return nil
}

// Commit logs the end record of txnID and removes it from the uncommitted
// set. Committing an unknown or already committed transaction fails
// without touching the log.
func (m *Manager) Commit(txnID common.TxnID) error {
	if err := m.txns.StartCommit(txnID); err != nil {
		return err
	}

	if _, err := m.logger.AppendEnd(txnID); err != nil {
		m.txns.FinishCommit(txnID, false)
		m.log.Errorw("failed to log transaction end",
			"txnID", txnID,
			"error", err,
		)
		return fmt.Errorf("failed to commit transaction %d: %w", txnID, err)
	}

	m.txns.FinishCommit(txnID, true)
	return nil
}

// Flush writes every buffered page of a committed transaction to the page
// store. Pages that fail stay buffered; their errors are joined.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.flushAssumeLocked()
	return err
}

func (m *Manager) flushAssumeLocked() (int, error) {
	uncommitted := m.txns.UncommittedSet()

	var err error
	flushed := 0
	for _, pageID := range slices.Sorted(maps.Keys(m.buffer)) {
		entry := m.buffer[pageID]
		if _, ok := uncommitted[entry.TxnID]; ok {
			continue
		}

		if writeErr := m.diskManager.WritePage(pageID, page.FromEntry(entry)); writeErr != nil {
			m.log.Warnw("failed to flush page, keeping it buffered",
				"pageID", pageID,
				"lsn", entry.LSN,
				"error", writeErr,
			)
			err = errors.Join(err, fmt.Errorf("failed to flush page %d: %w", pageID, writeErr))
			continue
		}

		delete(m.buffer, pageID)
		flushed++
	}

	m.log.Debugw("flush pass finished",
		"flushed", flushed,
		"buffered", len(m.buffer),
		"uncommittedTxns", len(uncommitted),
	)
	return flushed, err
}

// Rebuffer installs writes that recovery could not persist so that a later
// flush retries them. A buffered entry with a higher LSN wins.
func (m *Manager) Rebuffer(entries map[common.PageID]common.BufferEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pageID, entry := range entries {
		if err := m.pages.Check(pageID); err != nil {
			m.log.Warnw("not rebuffering invalid page", "pageID", pageID, "error", err)
			continue
		}

		if cur, ok := m.buffer[pageID]; ok && cur.LSN >= entry.LSN {
			continue
		}
		m.buffer[pageID] = entry
	}
}

// RunFlusher calls Flush every interval until ctx is done.
func (m *Manager) RunFlusher(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Flush(); err != nil {
				m.log.Warnw("periodic flush failed", "error", err)
			}
		}
	}
}

func (m *Manager) BufferedPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.buffer)
}

// Snapshot returns a copy of the buffer.
func (m *Manager) Snapshot() map[common.PageID]common.BufferEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Clone(m.buffer)
}

// Close makes a last flush attempt. Writes of uncommitted transactions are
// dropped with the buffer; the log still has them.
func (m *Manager) Close() error {
	err := m.Flush()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.buffer) > 0 {
		m.log.Infow("closing with buffered pages",
			"buffered", len(m.buffer),
			"uncommittedTxns", m.txns.Uncommitted(),
		)
	}
	return err
}
