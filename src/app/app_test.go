package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Blackdeer1524/PageStore/src/pkg/common"
	"github.com/Blackdeer1524/PageStore/src/recovery"
)

func testEnv() EnvVars {
	return EnvVars{
		Environment:     EnvDev,
		StoreDir:        "data",
		MinPageID:       uint64(common.DefaultMinPageID),
		MaxPageID:       uint64(common.DefaultMaxPageID),
		FlushThreshold:  5,
		SyncWrites:      true,
		PageCacheSize:   1 << 16,
		FlushInterval:   5 * time.Millisecond,
		Clients:         5,
		MaxWritesPerTxn: 10,
		ThinkTime:       time.Millisecond,
		Duration:        150 * time.Millisecond,
	}
}

func newEntrypoint(t *testing.T, fs afero.Fs) *Entrypoint {
	t.Helper()

	return &Entrypoint{
		Env: testEnv(),
		Fs:  fs,
		Log: zaptest.NewLogger(t).Sugar(),
	}
}

func TestLoadEnv_Defaults(t *testing.T) {
	env, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, EnvDev, env.Environment)
	assert.Equal(t, common.DefaultPageRange(), env.PageRange())
	assert.Equal(t, 5, env.FlushThreshold)
	assert.Equal(t, 100*time.Millisecond, env.ThinkTime)
	require.NoError(t, env.Validate())
}

func TestLoadEnv_Overrides(t *testing.T) {
	t.Setenv("PAGESTORE_STORE_DIR", "/tmp/pages")
	t.Setenv("PAGESTORE_MAX_PAGE_ID", "19")
	t.Setenv("PAGESTORE_FLUSH_INTERVAL", "250ms")

	env, err := LoadEnv()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/pages", env.StoreDir)
	assert.Equal(t, common.PageRange{Min: 10, Max: 19}, env.PageRange())
	assert.Equal(t, 250*time.Millisecond, env.FlushInterval)
}

func TestEnvVars_Validate(t *testing.T) {
	env := testEnv()
	env.Environment = "staging"
	require.Error(t, env.Validate())

	env = testEnv()
	env.MinPageID, env.MaxPageID = 20, 10
	require.Error(t, env.Validate())

	env = testEnv()
	env.StoreDir = ""
	require.Error(t, env.Validate())
}

// lastCommitted folds the committed writes of the log into the last one per page.
func lastCommitted(t *testing.T, logs *recovery.LogStore) map[common.PageID]common.BufferEntry {
	t.Helper()

	winners := map[common.PageID]common.BufferEntry{}
	for r, err := range logs.Records(true) {
		require.NoError(t, err)
		w := r.(recovery.WriteLogRecord)
		if cur, ok := winners[w.PageID()]; !ok || cur.LSN < w.LSN() {
			winners[w.PageID()] = w.Entry()
		}
	}
	return winners
}

func TestEntrypoint_RunThenRestart(t *testing.T) {
	fs := afero.NewMemMapFs()

	e := newEntrypoint(t, fs)
	require.NoError(t, e.Init(context.Background()))

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, summary.Committed)
	assert.NotZero(t, summary.Writes)
	require.NoError(t, e.Close())

	restarted := newEntrypoint(t, fs)
	require.NoError(t, restarted.Init(context.Background()))
	defer func() { assert.NoError(t, restarted.Close()) }()

	assert.Empty(t, restarted.report.Failed)

	for pageID, entry := range lastCommitted(t, restarted.logs) {
		pg, err := restarted.pages.ReadPage(pageID)
		require.NoError(t, err)
		require.NotNil(t, pg, "page %d", pageID)
		assert.Equal(t, entry.LSN, pg.LSN, "page %d", pageID)
		assert.Equal(t, entry.Data, pg.Data, "page %d", pageID)
	}

	again, err := restarted.Recover()
	require.NoError(t, err)
	assert.Empty(t, again.Stale)
}

func TestEntrypoint_TruncateKeepsLSNsGrowing(t *testing.T) {
	fs := afero.NewMemMapFs()

	e := newEntrypoint(t, fs)
	require.NoError(t, e.OpenStores())
	require.ErrorContains(t, e.TruncateLog(), "recovery")

	for _, pageID := range []common.PageID{10, 11} {
		txnID := common.TxnID(pageID)
		_, err := e.logs.AppendBegin(txnID)
		require.NoError(t, err)
		_, err = e.logs.AppendWrite(txnID, pageID, "v")
		require.NoError(t, err)
		_, err = e.logs.AppendEnd(txnID)
		require.NoError(t, err)
	}

	report, err := e.Recover()
	require.NoError(t, err)
	assert.Equal(t, []common.PageID{10, 11}, report.Repaired)
	require.NoError(t, e.TruncateLog())
	require.NoError(t, e.Close())

	reopened := newEntrypoint(t, fs)
	require.NoError(t, reopened.OpenStores())
	defer func() { assert.NoError(t, reopened.Close()) }()

	assert.Zero(t, reopened.logs.Size())
	assert.Equal(t, common.LSN(5), reopened.logs.NextLSN(), "numbering continues past page 11 written at lsn 4")

	pg, err := reopened.pages.ReadPage(11)
	require.NoError(t, err)
	require.NotNil(t, pg)
	assert.Equal(t, "v", pg.Data)
}

func TestEntrypoint_Dump(t *testing.T) {
	fs := afero.NewMemMapFs()

	e := newEntrypoint(t, fs)
	require.NoError(t, e.Init(context.Background()))

	txnID, err := e.Pool().Begin()
	require.NoError(t, err)
	require.NoError(t, e.Pool().Write(txnID, 12, "a"))
	require.NoError(t, e.Pool().Commit(txnID))

	open, err := e.Pool().Begin()
	require.NoError(t, err)
	require.NoError(t, e.Pool().Write(open, 13, "b"))

	var all, committed bytes.Buffer
	require.NoError(t, e.Dump(&all, false))
	require.NoError(t, e.Dump(&committed, true))
	require.NoError(t, e.Close())

	assert.Len(t, strings.Split(strings.TrimSpace(all.String()), "\n"), 5)
	assert.Len(t, strings.Split(strings.TrimSpace(committed.String()), "\n"), 1)
	assert.Contains(t, committed.String(), "a")
}
