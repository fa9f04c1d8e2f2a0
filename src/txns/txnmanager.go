package txns

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Blackdeer1524/PageStore/src/pkg/common"
)

type TxnStatus byte

const (
	TxnStatusPending TxnStatus = iota
	// the end record is being appended; not committed yet
	TxnStatusCommitting
)

func (s TxnStatus) String() string {
	switch s {
	case TxnStatusPending:
		return "pending"
	case TxnStatusCommitting:
		return "committing"
	default:
		return fmt.Sprintf("TxnStatus(%d)", byte(s))
	}
}

// TxnManager allocates transaction ids and tracks the uncommitted set:
// every transaction between its begin and its end record.
type TxnManager struct {
	firstTxnID common.TxnID
	lastTxnID  atomic.Uint64

	mu     sync.Mutex
	active map[common.TxnID]TxnStatus
	// ids whose begin record could not be logged
	forgotten map[common.TxnID]struct{}
}

// NewTxnManager hands out ids greater than lastUsed.
func NewTxnManager(lastUsed common.TxnID) *TxnManager {
	m := &TxnManager{
		firstTxnID: lastUsed + 1,
		active:     map[common.TxnID]TxnStatus{},
		forgotten:  map[common.TxnID]struct{}{},
	}
	m.lastTxnID.Store(uint64(lastUsed))
	return m
}

// Begin allocates a new id and marks it pending. Ids are never reused,
// even if the caller later calls Forget.
func (m *TxnManager) Begin() common.TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()

	txnID := common.TxnID(m.lastTxnID.Add(1))
	m.active[txnID] = TxnStatusPending
	return txnID
}

// Forget drops a transaction whose begin record never made it to the log.
func (m *TxnManager) Forget(txnID common.TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, txnID)
	m.forgotten[txnID] = struct{}{}
}

// IsKnown reports whether txnID was begun by this manager and its begin
// record was logged. Committed transactions stay known.
func (m *TxnManager) IsKnown(txnID common.TxnID) bool {
	if txnID < m.firstTxnID || txnID > m.LastTxnID() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, forgotten := m.forgotten[txnID]
	return !forgotten
}

// IsUncommitted reports whether txnID began and has no end record yet.
func (m *TxnManager) IsUncommitted(txnID common.TxnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.active[txnID]
	return ok
}

// StartCommit moves a pending transaction to committing. Only one caller
// can win this transition for a given id.
func (m *TxnManager) StartCommit(txnID common.TxnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.active[txnID]
	if !ok {
		return fmt.Errorf("%w: %d", common.ErrUnknownTxn, txnID)
	}
	if status != TxnStatusPending {
		return fmt.Errorf("%w: %d is %s", common.ErrUnknownTxn, txnID, status)
	}

	m.active[txnID] = TxnStatusCommitting
	return nil
}

// FinishCommit removes txnID from the uncommitted set when its end record
// is durable, or puts it back to pending when appending it failed.
func (m *TxnManager) FinishCommit(txnID common.TxnID, durable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if durable {
		delete(m.active, txnID)
		return
	}
	if _, ok := m.active[txnID]; ok {
		m.active[txnID] = TxnStatusPending
	}
}

// Uncommitted returns a sorted snapshot of the uncommitted set.
func (m *TxnManager) Uncommitted() []common.TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Sorted(maps.Keys(m.active))
}

// UncommittedSet returns a copy of the uncommitted set.
func (m *TxnManager) UncommittedSet() map[common.TxnID]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := make(map[common.TxnID]struct{}, len(m.active))
	for txnID := range m.active {
		set[txnID] = struct{}{}
	}
	return set
}

func (m *TxnManager) LastTxnID() common.TxnID {
	return common.TxnID(m.lastTxnID.Load())
}
