package recovery

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Blackdeer1524/PageStore/src"
	"github.com/Blackdeer1524/PageStore/src/bufferpool"
	"github.com/Blackdeer1524/PageStore/src/pkg/common"
	"github.com/Blackdeer1524/PageStore/src/storage/disk"
	"github.com/Blackdeer1524/PageStore/src/storage/page"
	"github.com/Blackdeer1524/PageStore/src/txns"
)

// session is one process lifetime over a shared file system.
type session struct {
	logs    *LogStore
	disk    *disk.Manager
	manager *bufferpool.Manager
	log     src.Logger
}

func startSession(t *testing.T, fs afero.Fs) *session {
	t.Helper()

	log := zaptest.NewLogger(t).Sugar()

	logs, err := OpenLogStore(fs, storeDir, log)
	require.NoError(t, err)

	diskManager, err := disk.New(fs, storeDir, common.DefaultPageRange(), log)
	require.NoError(t, err)

	return &session{
		logs: logs,
		disk: diskManager,
		manager: bufferpool.New(
			logs,
			diskManager,
			txns.NewTxnManager(logs.MaxTxnID()),
			log,
		),
		log: log,
	}
}

// crash drops everything that lives only in memory.
func (s *session) crash(t *testing.T) {
	t.Helper()
	require.NoError(t, s.logs.Close())
	s.disk.Close()
}

func (s *session) recover(t *testing.T, opts ...RecoverOption) *Report {
	t.Helper()

	report, err := Recover(s.logs, s.disk, s.log, opts...)
	require.NoError(t, err)
	return report
}

func readData(t *testing.T, d *disk.Manager, pageID common.PageID) (string, bool) {
	t.Helper()

	pg, err := d.ReadPage(pageID)
	require.NoError(t, err)
	if pg == nil {
		return "", false
	}
	return pg.Data, true
}

func TestRecover_UncommittedWriteIsNotRedone(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := startSession(t, fs)

	first, err := s.manager.Begin()
	require.NoError(t, err)
	require.NoError(t, s.manager.Write(first, 20, "A"))
	require.NoError(t, s.manager.Commit(first))

	second, err := s.manager.Begin()
	require.NoError(t, err)
	require.NoError(t, s.manager.Write(second, 20, "B"))

	_, ok := readData(t, s.disk, 20)
	require.False(t, ok, "nothing was flushed before the crash")
	s.crash(t)

	s = startSession(t, fs)
	defer s.crash(t)

	report := s.recover(t)
	assert.Equal(t, []common.PageID{20}, report.Repaired)
	assert.Empty(t, report.Failed)

	data, ok := readData(t, s.disk, 20)
	require.True(t, ok)
	assert.Equal(t, "A", data)
}

func TestRecover_LastCommittedWriteWinsByLSN(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := startSession(t, fs)

	t1, err := s.manager.Begin()
	require.NoError(t, err)
	t2, err := s.manager.Begin()
	require.NoError(t, err)

	require.NoError(t, s.manager.Write(t2, 30, "from-t2"))
	require.NoError(t, s.manager.Write(t1, 30, "from-t1"))
	require.NoError(t, s.manager.Commit(t1))
	require.NoError(t, s.manager.Commit(t2))
	s.crash(t)

	s = startSession(t, fs)
	defer s.crash(t)
	s.recover(t)

	data, ok := readData(t, s.disk, 30)
	require.True(t, ok)
	assert.Equal(t, "from-t1", data, "the write with the highest lsn wins, not the last commit")
}

func TestRecover_Idempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := startSession(t, fs)

	for i := range 4 {
		txnID, err := s.manager.Begin()
		require.NoError(t, err)
		require.NoError(t, s.manager.Write(txnID, common.PageID(10+i), fmt.Sprintf("v%d", i)))
		require.NoError(t, s.manager.Commit(txnID))
	}
	s.crash(t)

	s = startSession(t, fs)
	defer s.crash(t)

	first := s.recover(t)
	assert.Len(t, first.Repaired, 4)

	before := map[common.PageID]*page.Page{}
	for i := range 4 {
		pg, err := s.disk.ReadPage(common.PageID(10 + i))
		require.NoError(t, err)
		before[common.PageID(10+i)] = pg
	}

	second := s.recover(t)
	assert.Empty(t, second.Stale)
	assert.Empty(t, second.Repaired)
	assert.Empty(t, second.Failed)

	for pageID, pg := range before {
		after, err := s.disk.ReadPage(pageID)
		require.NoError(t, err)
		assert.Equal(t, pg, after)
	}
}

func TestRecover_DryRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := startSession(t, fs)

	txnID, err := s.manager.Begin()
	require.NoError(t, err)
	require.NoError(t, s.manager.Write(txnID, 25, "x"))
	require.NoError(t, s.manager.Commit(txnID))
	s.crash(t)

	s = startSession(t, fs)
	defer s.crash(t)

	report := s.recover(t, WithDryRun())
	assert.Equal(t, []common.PageID{25}, report.Stale)
	assert.Empty(t, report.Repaired)

	_, ok := readData(t, s.disk, 25)
	assert.False(t, ok)
}

func TestRecover_KeepsNewerPersistedPage(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := startSession(t, fs)
	defer s.crash(t)

	_, err := s.logs.AppendBegin(1)
	require.NoError(t, err)
	_, err = s.logs.AppendWrite(1, 40, "old")
	require.NoError(t, err)
	_, err = s.logs.AppendEnd(1)
	require.NoError(t, err)

	require.NoError(t, s.disk.WritePage(40, page.New(100, "newer")))
	require.NoError(t, s.disk.WritePage(41, page.New(0, "stale")))

	_, err = s.logs.AppendBegin(2)
	require.NoError(t, err)
	_, err = s.logs.AppendWrite(2, 41, "fresh")
	require.NoError(t, err)
	_, err = s.logs.AppendEnd(2)
	require.NoError(t, err)

	report := s.recover(t)
	assert.Equal(t, []common.PageID{41}, report.Repaired)

	data, _ := readData(t, s.disk, 40)
	assert.Equal(t, "newer", data)
	data, _ = readData(t, s.disk, 41)
	assert.Equal(t, "fresh", data)
}

func TestRecover_ReportsFailedPages(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := startSession(t, fs)
	defer s.crash(t)

	for _, pageID := range []common.PageID{10, 11, 12} {
		txnID := common.TxnID(pageID)
		_, err := s.logs.AppendBegin(txnID)
		require.NoError(t, err)
		_, err = s.logs.AppendWrite(txnID, pageID, "v")
		require.NoError(t, err)
		_, err = s.logs.AppendEnd(txnID)
		require.NoError(t, err)
	}

	pages := &failingPages{
		Manager: s.disk,
		failing: map[common.PageID]struct{}{11: {}},
	}
	report, err := Recover(s.logs, pages, s.log)
	require.NoError(t, err)

	assert.Equal(t, []common.PageID{10, 11, 12}, report.Stale)
	assert.Equal(t, []common.PageID{10, 12}, report.Repaired)
	require.Contains(t, report.Failed, common.PageID(11))
	assert.Equal(t, common.BufferEntry{LSN: 4, TxnID: 11, Data: "v"}, report.Failed[11])

	// the failed page goes back to the buffer and the next flush repairs it
	s.manager.Rebuffer(report.Failed)
	require.NoError(t, s.manager.Flush())

	data, ok := readData(t, s.disk, 11)
	require.True(t, ok)
	assert.Equal(t, "v", data)
}

func TestRecover_SkipsInvalidPages(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeRawLog(t, fs, "0,1,BOT\n1,1,99,x\n2,1,20,y\n3,1,EOT\n")

	s := startSession(t, fs)
	defer s.crash(t)

	report := s.recover(t)
	assert.Equal(t, []common.PageID{20}, report.Repaired)
	assert.Empty(t, report.Failed)
}

func TestRecover_WriteWithFailedSyncIsNotRedone(t *testing.T) {
	fs := newFaultyFs()
	s := startSession(t, fs)

	txnID, err := s.manager.Begin()
	require.NoError(t, err)
	require.NoError(t, s.manager.Write(txnID, 20, "A"))

	fs.failSync.Store(true)
	err = s.manager.Write(txnID, 20, "B")
	require.ErrorIs(t, err, errInjectedSync)

	require.NoError(t, s.manager.Commit(txnID))
	require.NoError(t, s.manager.Flush())

	data, ok := readData(t, s.disk, 20)
	require.True(t, ok)
	assert.Equal(t, "A", data)
	s.crash(t)

	s = startSession(t, fs)
	defer s.crash(t)

	report := s.recover(t)
	assert.Empty(t, report.Stale)

	data, ok = readData(t, s.disk, 20)
	require.True(t, ok)
	assert.Equal(t, "A", data, "a write reported as failed must not become durable")
}

func TestRecover_CommitWithFailedSyncIsNotAWinner(t *testing.T) {
	fs := newFaultyFs()
	s := startSession(t, fs)

	txnID, err := s.manager.Begin()
	require.NoError(t, err)
	require.NoError(t, s.manager.Write(txnID, 21, "x"))

	fs.failSync.Store(true)
	require.ErrorIs(t, s.manager.Commit(txnID), errInjectedSync)
	s.crash(t)

	s = startSession(t, fs)
	defer s.crash(t)

	report := s.recover(t)
	assert.Empty(t, report.Stale)

	_, ok := readData(t, s.disk, 21)
	assert.False(t, ok)
}

type failingPages struct {
	*disk.Manager
	failing map[common.PageID]struct{}
}

func (p *failingPages) WritePage(pageID common.PageID, pg *page.Page) error {
	if _, ok := p.failing[pageID]; ok {
		return errors.New("injected write failure")
	}
	return p.Manager.WritePage(pageID, pg)
}

type modelWrite struct {
	txnID common.TxnID
	data  string
}

// TestRecover_RandomCrashes runs random transactions over several process
// lifetimes, crashing at a random point each time, and checks after every
// recovery that each page holds exactly its last committed write.
func TestRecover_RandomCrashes(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed=%d", seed)
	r := rand.New(rand.NewSource(seed))

	const (
		lifetimes     = 6
		opsPerRun     = 300
		maxActiveTxns = 4
	)

	fs := afero.NewMemMapFs()
	pages := common.DefaultPageRange()

	// page -> writes in lsn order, across all lifetimes
	history := map[common.PageID][]modelWrite{}
	committed := map[common.TxnID]bool{}

	for lifetime := range lifetimes {
		s := startSession(t, fs)
		s.recover(t)
		checkPages(t, s.disk, pages, history, committed)

		active := []common.TxnID{}
		for op := range opsPerRun {
			switch {
			case len(active) == 0 || (len(active) < maxActiveTxns && r.Intn(5) == 0):
				txnID, err := s.manager.Begin()
				require.NoError(t, err)
				require.False(t, committed[txnID], "txn id %d reused", txnID)
				active = append(active, txnID)
			case r.Intn(6) == 0:
				i := r.Intn(len(active))
				txnID := active[i]
				require.NoError(t, s.manager.Commit(txnID))
				committed[txnID] = true
				active = append(active[:i], active[i+1:]...)
			default:
				txnID := active[r.Intn(len(active))]
				pageID := pages.Min + common.PageID(r.Intn(pages.Size()))
				data := fmt.Sprintf("l%d-op%d-t%d", lifetime, op, txnID)
				require.NoError(t, s.manager.Write(txnID, pageID, data))
				history[pageID] = append(history[pageID], modelWrite{txnID: txnID, data: data})
			}
		}

		s.crash(t)
	}

	s := startSession(t, fs)
	defer s.crash(t)
	s.recover(t)
	checkPages(t, s.disk, pages, history, committed)
}

func checkPages(
	t *testing.T,
	d *disk.Manager,
	pages common.PageRange,
	history map[common.PageID][]modelWrite,
	committed map[common.TxnID]bool,
) {
	t.Helper()

	for pageID := pages.Min; pageID <= pages.Max; pageID++ {
		expected, expectedOK := "", false
		for _, w := range history[pageID] {
			if committed[w.txnID] {
				expected, expectedOK = w.data, true
			}
		}

		data, ok := readData(t, d, pageID)
		require.Equal(t, expectedOK, ok, "page %d presence", pageID)
		require.Equal(t, expected, data, "page %d", pageID)
	}
}
