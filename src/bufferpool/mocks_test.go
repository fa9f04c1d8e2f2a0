package bufferpool

import (
	"github.com/stretchr/testify/mock"

	"github.com/Blackdeer1524/PageStore/src/pkg/common"
	"github.com/Blackdeer1524/PageStore/src/storage/page"
)

type MockDiskManager struct {
	mock.Mock
}

var _ common.DiskManager[*page.Page] = &MockDiskManager{}

func (m *MockDiskManager) ReadPage(pageID common.PageID) (*page.Page, error) {
	args := m.Called(pageID)
	pg, _ := args.Get(0).(*page.Page)
	return pg, args.Error(1)
}

func (m *MockDiskManager) WritePage(pageID common.PageID, pg *page.Page) error {
	args := m.Called(pageID, pg)
	return args.Error(0)
}

type MockTxnLogger struct {
	mock.Mock
}

var _ common.ITxnLogger = &MockTxnLogger{}

func (m *MockTxnLogger) AppendBegin(txnID common.TxnID) (common.LSN, error) {
	args := m.Called(txnID)
	return args.Get(0).(common.LSN), args.Error(1)
}

func (m *MockTxnLogger) AppendEnd(txnID common.TxnID) (common.LSN, error) {
	args := m.Called(txnID)
	return args.Get(0).(common.LSN), args.Error(1)
}

func (m *MockTxnLogger) AppendWrite(
	txnID common.TxnID,
	pageID common.PageID,
	data string,
) (common.LSN, error) {
	args := m.Called(txnID, pageID, data)
	return args.Get(0).(common.LSN), args.Error(1)
}
