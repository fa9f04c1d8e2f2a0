package disk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/PageStore/src"
	"github.com/Blackdeer1524/PageStore/src/pkg/common"
	"github.com/Blackdeer1524/PageStore/src/storage/page"
)

const (
	pageFileExt = ".txt"
	tmpFileExt  = ".tmp"
)

type Manager struct {
	fs      afero.Fs
	baseDir string
	pages   common.PageRange
	log     src.Logger

	// one latch per valid page id
	latches []sync.RWMutex

	// nil when caching is disabled
	cache *ristretto.Cache[uint64, page.Page]
}

var (
	_ common.DiskManager[*page.Page] = &Manager{}
)

type Option func(*Manager) error

// WithCache enables a read-through cache of persisted pages
// bounded by maxCost bytes of payload.
func WithCache(maxCost int64) Option {
	return func(m *Manager) error {
		if maxCost <= 0 {
			return nil
		}

		cache, err := ristretto.NewCache(&ristretto.Config[uint64, page.Page]{
			NumCounters: int64(m.pages.Size()) * 10,
			MaxCost:     maxCost,
			BufferItems: 64,

			IgnoreInternalCost: true,
		})
		if err != nil {
			return fmt.Errorf("failed to create page cache: %w", err)
		}

		m.cache = cache
		return nil
	}
}

func New(
	fs afero.Fs,
	baseDir string,
	pages common.PageRange,
	log src.Logger,
	opts ...Option,
) (*Manager, error) {
	if pages.Size() == 0 {
		return nil, fmt.Errorf("empty page range [%d, %d]", pages.Min, pages.Max)
	}

	if err := fs.MkdirAll(filepath.Clean(baseDir), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", baseDir, err)
	}

	m := &Manager{
		fs:      fs,
		baseDir: baseDir,
		pages:   pages,
		log:     log,
		latches: make([]sync.RWMutex, pages.Size()),
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Manager) PageRange() common.PageRange {
	return m.pages
}

func (m *Manager) pagePath(pageID common.PageID) string {
	return filepath.Join(m.baseDir, strconv.FormatUint(uint64(pageID), 10)+pageFileExt)
}

func (m *Manager) latch(pageID common.PageID) *sync.RWMutex {
	return &m.latches[pageID-m.pages.Min]
}

// ReadPage returns the persisted copy of the page or nil if there is none.
// A page file that cannot be parsed is reported and treated as absent.
func (m *Manager) ReadPage(pageID common.PageID) (*page.Page, error) {
	if err := m.pages.Check(pageID); err != nil {
		return nil, err
	}

	l := m.latch(pageID)
	l.RLock()
	defer l.RUnlock()

	if m.cache != nil {
		if cached, ok := m.cache.Get(uint64(pageID)); ok {
			return &cached, nil
		}
	}

	path := m.pagePath(pageID)
	data, err := afero.ReadFile(m.fs, filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read page file %s: %w", path, err)
	}

	pg := &page.Page{}
	if err := pg.UnmarshalText(data); err != nil {
		m.log.Warnw("malformed page file",
			"pageID", pageID,
			"path", path,
			"content", string(data),
			"error", err,
		)
		return nil, nil
	}

	if m.cache != nil {
		m.cache.Set(uint64(pageID), *pg, cacheCost(pg))
	}
	return pg, nil
}

// WritePage replaces the page with pg. The new content is written to a
// temporary file and renamed over the old one, so a failed write keeps the
// previous copy readable.
func (m *Manager) WritePage(pageID common.PageID, pg *page.Page) (err error) {
	if err := m.pages.Check(pageID); err != nil {
		return err
	}

	if pg == nil {
		return nil
	}

	data, err := pg.MarshalText()
	if err != nil {
		return err
	}

	l := m.latch(pageID)
	l.Lock()
	defer l.Unlock()

	path := m.pagePath(pageID)
	tmpPath := path + tmpFileExt

	if err := m.writeFileSynced(tmpPath, data); err != nil {
		_ = m.fs.Remove(tmpPath)
		return err
	}

	if err := m.fs.Rename(tmpPath, path); err != nil {
		_ = m.fs.Remove(tmpPath)
		return fmt.Errorf("failed to replace page file %s: %w", path, err)
	}

	if m.cache != nil {
		m.cache.Del(uint64(pageID))
		m.cache.Set(uint64(pageID), *pg, cacheCost(pg))
		m.cache.Wait()
	}

	return nil
}

func (m *Manager) writeFileSynced(path string, data []byte) (err error) {
	file, err := m.fs.OpenFile(
		filepath.Clean(path),
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC,
		0o600,
	)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	if _, err = file.Write(data); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	if err = file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file %s: %w", path, err)
	}

	return nil
}

// HighestLSN returns the largest LSN found on any persisted page.
// ok is false when no page has been persisted yet.
func (m *Manager) HighestLSN() (lsn common.LSN, ok bool, err error) {
	for id := m.pages.Min; id <= m.pages.Max; id++ {
		pg, readErr := m.ReadPage(id)
		if readErr != nil {
			err = errors.Join(err, readErr)
			continue
		}
		if pg == nil {
			continue
		}

		if !ok || pg.LSN > lsn {
			lsn = pg.LSN
		}
		ok = true
	}

	return lsn, ok, err
}

func (m *Manager) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}

func cacheCost(pg *page.Page) int64 {
	return int64(len(pg.Data)) + 8
}
