package recovery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Blackdeer1524/PageStore/src/pkg/common"
)

type LogRecordTypeTag byte

const (
	TypeBegin LogRecordTypeTag = iota
	TypeEnd
	TypeWrite
	TypeUnknown
)

func (t LogRecordTypeTag) String() string {
	switch t {
	case TypeBegin:
		return "Begin"
	case TypeEnd:
		return "End"
	case TypeWrite:
		return "Write"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(t))
	}
}

const (
	beginMarker = "BOT"
	endMarker   = "EOT"
)

// LogRecord is one line of the log. The concrete type is one of
// BeginLogRecord, EndLogRecord and WriteLogRecord.
type LogRecord interface {
	Tag() LogRecordTypeTag
	LSN() common.LSN
	TxnID() common.TxnID
	MarshalText() ([]byte, error)
	String() string
}

type BeginLogRecord struct {
	lsn   common.LSN
	txnID common.TxnID
}

var _ LogRecord = BeginLogRecord{}

func NewBeginLogRecord(lsn common.LSN, txnID common.TxnID) BeginLogRecord {
	return BeginLogRecord{lsn: lsn, txnID: txnID}
}

func (r BeginLogRecord) Tag() LogRecordTypeTag { return TypeBegin }
func (r BeginLogRecord) LSN() common.LSN       { return r.lsn }
func (r BeginLogRecord) TxnID() common.TxnID   { return r.txnID }

func (r BeginLogRecord) MarshalText() ([]byte, error) {
	return marshalFields(r.lsn, r.txnID, beginMarker), nil
}

func (r BeginLogRecord) String() string {
	return fmt.Sprintf("BEGIN{lsn: %d, txnID: %d}", r.lsn, r.txnID)
}

type EndLogRecord struct {
	lsn   common.LSN
	txnID common.TxnID
}

var _ LogRecord = EndLogRecord{}

func NewEndLogRecord(lsn common.LSN, txnID common.TxnID) EndLogRecord {
	return EndLogRecord{lsn: lsn, txnID: txnID}
}

func (r EndLogRecord) Tag() LogRecordTypeTag { return TypeEnd }
func (r EndLogRecord) LSN() common.LSN       { return r.lsn }
func (r EndLogRecord) TxnID() common.TxnID   { return r.txnID }

func (r EndLogRecord) MarshalText() ([]byte, error) {
	return marshalFields(r.lsn, r.txnID, endMarker), nil
}

func (r EndLogRecord) String() string {
	return fmt.Sprintf("END{lsn: %d, txnID: %d}", r.lsn, r.txnID)
}

type WriteLogRecord struct {
	lsn    common.LSN
	txnID  common.TxnID
	pageID common.PageID
	data   string
}

var _ LogRecord = WriteLogRecord{}

func NewWriteLogRecord(
	lsn common.LSN,
	txnID common.TxnID,
	pageID common.PageID,
	data string,
) WriteLogRecord {
	return WriteLogRecord{
		lsn:    lsn,
		txnID:  txnID,
		pageID: pageID,
		data:   data,
	}
}

func (r WriteLogRecord) Tag() LogRecordTypeTag { return TypeWrite }
func (r WriteLogRecord) LSN() common.LSN       { return r.lsn }
func (r WriteLogRecord) TxnID() common.TxnID   { return r.txnID }
func (r WriteLogRecord) PageID() common.PageID { return r.pageID }
func (r WriteLogRecord) Data() string          { return r.data }

func (r WriteLogRecord) Entry() common.BufferEntry {
	return common.BufferEntry{LSN: r.lsn, TxnID: r.txnID, Data: r.data}
}

func (r WriteLogRecord) MarshalText() ([]byte, error) {
	if err := common.ValidatePayload(r.data); err != nil {
		return nil, err
	}
	return marshalFields(
		r.lsn,
		r.txnID,
		strconv.FormatUint(uint64(r.pageID), 10),
		r.data,
	), nil
}

func (r WriteLogRecord) String() string {
	return fmt.Sprintf(
		"WRITE{lsn: %d, txnID: %d, pageID: %d, data: %q}",
		r.lsn,
		r.txnID,
		r.pageID,
		r.data,
	)
}

func marshalFields(lsn common.LSN, txnID common.TxnID, rest ...string) []byte {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(lsn), 10))
	b.WriteString(common.FieldSeparator)
	b.WriteString(strconv.FormatUint(uint64(txnID), 10))
	for _, f := range rest {
		b.WriteString(common.FieldSeparator)
		b.WriteString(f)
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// parseLogRecord decodes one log line (without the line break).
func parseLogRecord(line string) (LogRecord, error) {
	fields := strings.Split(line, common.FieldSeparator)
	if len(fields) != 3 && len(fields) != 4 {
		return nil, fmt.Errorf(
			"%w: expected 3 or 4 fields, got %d",
			common.ErrMalformedRecord,
			len(fields),
		)
	}

	lsn, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: lsn: %w", common.ErrMalformedRecord, err)
	}

	txnID, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: txnID: %w", common.ErrMalformedRecord, err)
	}

	if len(fields) == 3 {
		switch strings.TrimSpace(fields[2]) {
		case beginMarker:
			return NewBeginLogRecord(common.LSN(lsn), common.TxnID(txnID)), nil
		case endMarker:
			return NewEndLogRecord(common.LSN(lsn), common.TxnID(txnID)), nil
		default:
			return nil, fmt.Errorf(
				"%w: unknown marker %q",
				common.ErrMalformedRecord,
				fields[2],
			)
		}
	}

	pageID, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: pageID: %w", common.ErrMalformedRecord, err)
	}

	return NewWriteLogRecord(
		common.LSN(lsn),
		common.TxnID(txnID),
		common.PageID(pageID),
		fields[3],
	), nil
}
