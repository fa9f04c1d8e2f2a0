package common

import "fmt"

type LSN uint64

type TxnID uint64

const NilTxnID = TxnID(0)

type PageID uint64

const (
	DefaultMinPageID = PageID(10)
	DefaultMaxPageID = PageID(59)
)

// PageRange is a closed interval of valid page ids.
type PageRange struct {
	Min PageID
	Max PageID
}

func DefaultPageRange() PageRange {
	return PageRange{Min: DefaultMinPageID, Max: DefaultMaxPageID}
}

func (r PageRange) Contains(id PageID) bool {
	return id >= r.Min && id <= r.Max
}

func (r PageRange) Check(id PageID) error {
	if !r.Contains(id) {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrPageOutOfRange, id, r.Min, r.Max)
	}
	return nil
}

func (r PageRange) Size() int {
	if r.Max < r.Min {
		return 0
	}
	return int(r.Max-r.Min) + 1
}

// BufferEntry is the latest not yet persisted write of a page.
type BufferEntry struct {
	LSN   LSN
	TxnID TxnID
	Data  string
}

func (e BufferEntry) String() string {
	return fmt.Sprintf("BufferEntry{lsn: %d, txnID: %d, data: %q}", e.LSN, e.TxnID, e.Data)
}
