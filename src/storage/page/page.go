package page

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Blackdeer1524/PageStore/src/pkg/common"
)

// Page is the durable copy of a page: the payload and the LSN of
// the write that produced it.
type Page struct {
	LSN  common.LSN
	Data string
}

func New(lsn common.LSN, data string) *Page {
	return &Page{LSN: lsn, Data: data}
}

func FromEntry(e common.BufferEntry) *Page {
	return &Page{LSN: e.LSN, Data: e.Data}
}

// MarshalText encodes the page as `<lsn>,<data>` without a trailing newline.
func (p *Page) MarshalText() ([]byte, error) {
	if err := common.ValidatePayload(p.Data); err != nil {
		return nil, err
	}
	return []byte(strconv.FormatUint(uint64(p.LSN), 10) + common.FieldSeparator + p.Data), nil
}

func (p *Page) UnmarshalText(text []byte) error {
	lsnStr, data, ok := strings.Cut(string(text), common.FieldSeparator)
	if !ok {
		return fmt.Errorf("%w: page %q has no separator", common.ErrMalformedRecord, text)
	}
	if strings.Contains(data, common.FieldSeparator) {
		return fmt.Errorf("%w: page %q has too many fields", common.ErrMalformedRecord, text)
	}

	lsn, err := strconv.ParseUint(lsnStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: page lsn %q: %w", common.ErrMalformedRecord, lsnStr, err)
	}

	p.LSN = common.LSN(lsn)
	p.Data = data
	return nil
}

func (p *Page) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Page{lsn: %d, data: %q}", p.LSN, p.Data)
}
