package recovery

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sort"

	"github.com/Blackdeer1524/PageStore/src"
	"github.com/Blackdeer1524/PageStore/src/pkg/assert"
	"github.com/Blackdeer1524/PageStore/src/pkg/common"
	"github.com/Blackdeer1524/PageStore/src/storage/page"
)

// LogReader is the part of the log store recovery needs.
type LogReader interface {
	Records(filterCommitted bool) iter.Seq2[LogRecord, error]
}

var _ LogReader = &LogStore{}

type Report struct {
	// pages whose durable copy was missing or older than the last committed write
	Stale []common.PageID
	// stale pages that were overwritten
	Repaired []common.PageID
	// stale pages that could not be overwritten, with the write they still miss
	Failed map[common.PageID]common.BufferEntry
}

type recoverOptions struct {
	dryRun bool
}

type RecoverOption func(*recoverOptions)

// WithDryRun only detects stale pages and leaves the page store untouched.
func WithDryRun() RecoverOption {
	return func(o *recoverOptions) {
		o.dryRun = true
	}
}

// Recover redoes the last committed write of every page whose durable copy
// is missing or has a lower LSN. Writes of transactions without an end
// record are never applied. A page that cannot be written is reported in
// Report.Failed and does not stop the others.
//
// Must run before the transaction API accepts calls.
func Recover(
	logs LogReader,
	pages common.DiskManager[*page.Page],
	log src.Logger,
	opts ...RecoverOption,
) (*Report, error) {
	var o recoverOptions
	for _, opt := range opts {
		opt(&o)
	}

	winners, err := recoverAnalyze(logs)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Stale:    []common.PageID{},
		Repaired: []common.PageID{},
		Failed:   map[common.PageID]common.BufferEntry{},
	}

	pageIDs := slices.Sorted(maps.Keys(winners))
	for _, pageID := range pageIDs {
		recovered := winners[pageID]

		persisted, err := pages.ReadPage(pageID)
		if errors.Is(err, common.ErrPageOutOfRange) {
			log.Warnw("skipping committed write to an invalid page",
				"pageID", pageID,
				"lsn", recovered.LSN,
			)
			continue
		}
		if err != nil {
			log.Errorw("failed to read page during recovery",
				"pageID", pageID,
				"error", err,
			)
			report.Stale = append(report.Stale, pageID)
			report.Failed[pageID] = recovered
			continue
		}

		if persisted != nil && persisted.LSN >= recovered.LSN {
			continue
		}

		report.Stale = append(report.Stale, pageID)
		log.Infow("found stale page",
			"pageID", pageID,
			"old", persisted.String(),
			"new", recovered.String(),
		)

		if o.dryRun {
			continue
		}

		if err := pages.WritePage(pageID, page.FromEntry(recovered)); err != nil {
			log.Errorw("failed to recover page",
				"pageID", pageID,
				"error", err,
			)
			report.Failed[pageID] = recovered
			continue
		}
		report.Repaired = append(report.Repaired, pageID)
	}

	log.Infow("recovery finished",
		"committedPages", len(winners),
		"stale", len(report.Stale),
		"repaired", len(report.Repaired),
		"failed", len(report.Failed),
		"dryRun", o.dryRun,
	)
	return report, nil
}

// recoverAnalyze folds the committed writes into the last write per page.
func recoverAnalyze(
	logs LogReader,
) (map[common.PageID]common.BufferEntry, error) {
	committed := []WriteLogRecord{}
	for r, err := range logs.Records(true) {
		if err != nil {
			return nil, fmt.Errorf("failed to read log: %w", err)
		}

		committed = append(committed, assert.Cast[WriteLogRecord](r))
	}

	sort.SliceStable(committed, func(i, j int) bool {
		return committed[i].LSN() < committed[j].LSN()
	})

	winners := map[common.PageID]common.BufferEntry{}
	for _, w := range committed {
		winners[w.PageID()] = w.Entry()
	}
	return winners, nil
}
