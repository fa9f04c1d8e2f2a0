package common

// ITxnLogger is the durability side of the transaction API.
// Every append returns only after the record is on disk.
type ITxnLogger interface {
	AppendBegin(txnID TxnID) (LSN, error)
	AppendEnd(txnID TxnID) (LSN, error)
	AppendWrite(txnID TxnID, pageID PageID, data string) (LSN, error)
}

type DiskManager[T any] interface {
	// ReadPage returns the zero T without an error when the page was never written.
	ReadPage(pageID PageID) (T, error)
	// WritePage atomically replaces the page. A zero T is a no-op.
	WritePage(pageID PageID, pg T) error
}
