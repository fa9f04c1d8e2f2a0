package recovery

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/PageStore/src"
	"github.com/Blackdeer1524/PageStore/src/pkg/assert"
	"github.com/Blackdeer1524/PageStore/src/pkg/common"
)

const LogFileName = "logfile.txt"

var ErrLogClosed = errors.New("log store is closed")

// LogStore is the append-only write-ahead log. Records are text lines
// `<lsn>,<taid>,BOT`, `<lsn>,<taid>,EOT` and `<lsn>,<taid>,<pageId>,<data>`.
type LogStore struct {
	fs         afero.Fs
	path       string
	log        src.Logger
	syncWrites bool

	// лок на запись логов. Нужно для четкой упорядоченности
	// номеров записей и записей на диск
	seqMu    sync.Mutex
	file     afero.File
	size     int64
	nextLSN  common.LSN
	maxTxnID common.TxnID

	// set when the last line on disk may lack its line break
	torn bool
}

var _ common.ITxnLogger = &LogStore{}

type LogOption func(*LogStore)

// WithMinLSN makes numbering start at least at lsn even if the log holds
// smaller LSNs (or nothing at all).
func WithMinLSN(lsn common.LSN) LogOption {
	return func(l *LogStore) {
		if lsn > l.nextLSN {
			l.nextLSN = lsn
		}
	}
}

// WithSync controls whether every append is fsynced before returning.
func WithSync(sync bool) LogOption {
	return func(l *LogStore) {
		l.syncWrites = sync
	}
}

// OpenLogStore opens (creating if needed) the log in dir and resumes LSN
// numbering one past the highest LSN found in it.
func OpenLogStore(
	fs afero.Fs,
	dir string,
	log src.Logger,
	opts ...LogOption,
) (*LogStore, error) {
	if err := fs.MkdirAll(filepath.Clean(dir), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	l := &LogStore{
		fs:         fs,
		path:       filepath.Join(dir, LogFileName),
		log:        log,
		syncWrites: true,
	}

	if err := l.resume(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(l)
	}

	file, err := fs.OpenFile(
		filepath.Clean(l.path),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND,
		0o600,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", l.path, err)
	}
	l.file = file

	l.log.Infow("log store opened",
		"path", l.path,
		"nextLSN", l.nextLSN,
		"maxTxnID", l.maxTxnID,
	)
	return l, nil
}

func (l *LogStore) resume() error {
	info, err := l.fs.Stat(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat log file %s: %w", l.path, err)
	}

	found := false
	complete, err := l.scan(info.Size(), func(r LogRecord) bool {
		if !found || r.LSN() >= l.nextLSN {
			l.nextLSN = r.LSN() + 1
		}
		found = true

		if r.TxnID() > l.maxTxnID {
			l.maxTxnID = r.TxnID()
		}
		return true
	})
	if err != nil {
		return err
	}

	if complete < info.Size() {
		// the append of the last line never returned, nobody relies on it
		l.log.Warnw("dropping unterminated log tail",
			"path", l.path,
			"bytes", info.Size()-complete,
		)
		if err := l.truncate(complete); err != nil {
			return fmt.Errorf("failed to drop unterminated log tail: %w", err)
		}
	}

	l.size = complete
	return nil
}

func (l *LogStore) truncate(size int64) (err error) {
	f, err := l.fs.OpenFile(filepath.Clean(l.path), os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if err = f.Truncate(size); err != nil {
		return err
	}
	return f.Sync()
}

func (l *LogStore) AppendBegin(txnID common.TxnID) (common.LSN, error) {
	return l.append(func(lsn common.LSN) LogRecord {
		return NewBeginLogRecord(lsn, txnID)
	})
}

func (l *LogStore) AppendEnd(txnID common.TxnID) (common.LSN, error) {
	return l.append(func(lsn common.LSN) LogRecord {
		return NewEndLogRecord(lsn, txnID)
	})
}

func (l *LogStore) AppendWrite(
	txnID common.TxnID,
	pageID common.PageID,
	data string,
) (common.LSN, error) {
	if err := common.ValidatePayload(data); err != nil {
		return 0, err
	}

	return l.append(func(lsn common.LSN) LogRecord {
		return NewWriteLogRecord(lsn, txnID, pageID, data)
	})
}

func (l *LogStore) append(newRecord func(common.LSN) LogRecord) (common.LSN, error) {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	if l.file == nil {
		return 0, ErrLogClosed
	}

	lsn := l.nextLSN
	record := newRecord(lsn)

	// payloads are validated before taking the lock
	line, err := record.MarshalText()
	assert.NoError(err)
	if l.torn {
		line = append([]byte{'\n'}, line...)
	}

	n, err := l.file.Write(line)
	if err != nil {
		if n > 0 {
			err = errors.Join(err, l.rollbackAssumeLocked(lsn, n))
		}
		return 0, fmt.Errorf("failed to append %s: %w", record, err)
	}

	if l.syncWrites {
		if err := l.file.Sync(); err != nil {
			err = errors.Join(err, l.rollbackAssumeLocked(lsn, n))
			return 0, fmt.Errorf("failed to sync log after %s: %w", record, err)
		}
	}

	l.size += int64(n)
	l.torn = false
	l.nextLSN++

	if record.TxnID() > l.maxTxnID {
		l.maxTxnID = record.TxnID()
	}

	return lsn, nil
}

// rollbackAssumeLocked drops the n bytes of a failed append. When they
// cannot be dropped the LSN is burned and the next record starts on a new
// line.
func (l *LogStore) rollbackAssumeLocked(lsn common.LSN, n int) error {
	err := l.file.Truncate(l.size)
	if err == nil {
		_, err = l.file.Seek(l.size, io.SeekStart)
	}
	if err == nil {
		return nil
	}

	l.log.Warnw("failed append left a partial record in the log",
		"path", l.path,
		"lsn", lsn,
		"offset", l.size,
		"bytes", n,
		"error", err,
	)
	l.size += int64(n)
	l.nextLSN++
	l.torn = true
	return err
}

// Records returns the records of the log in log order. Every iteration
// rescans the file up to its size at the moment the iteration starts.
//
// With filterCommitted only write records of transactions that have an end
// record somewhere in the log are produced. The decision is made over the
// whole log before the first record is yielded.
//
// Malformed lines are reported and skipped. An I/O error is yielded once
// as the last element.
func (l *LogStore) Records(filterCommitted bool) iter.Seq2[LogRecord, error] {
	return func(yield func(LogRecord, error) bool) {
		size := l.Size()

		if !filterCommitted {
			_, err := l.scan(size, func(r LogRecord) bool {
				return yield(r, nil)
			})
			if err != nil {
				yield(nil, err)
			}
			return
		}

		committed := map[common.TxnID]struct{}{}
		_, err := l.scan(size, func(r LogRecord) bool {
			if r.Tag() == TypeEnd {
				committed[r.TxnID()] = struct{}{}
			}
			return true
		})
		if err != nil {
			yield(nil, err)
			return
		}

		_, err = l.scan(size, func(r LogRecord) bool {
			if r.Tag() != TypeWrite {
				return true
			}
			if _, ok := committed[r.TxnID()]; !ok {
				return true
			}
			return yield(r, nil)
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

// scan feeds fn every well-formed record among the first size bytes of the
// log until fn returns false. It returns the length of the prefix made of
// complete lines; an unterminated last line is skipped.
func (l *LogStore) scan(size int64, fn func(LogRecord) bool) (int64, error) {
	if size == 0 {
		return 0, nil
	}

	f, err := l.fs.Open(filepath.Clean(l.path))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open log file %s: %w", l.path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(io.LimitReader(f, size))

	var complete int64
	lineNum := 0
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if line != "" {
				l.log.Warnw("skipping unterminated log record",
					"path", l.path,
					"line", lineNum+1,
					"content", line,
				)
			}
			return complete, nil
		}
		if err != nil {
			return complete, fmt.Errorf("failed to scan log file %s: %w", l.path, err)
		}

		complete += int64(len(line))
		lineNum++

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		record, err := parseLogRecord(line)
		if err != nil {
			l.log.Warnw("skipping malformed log record",
				"path", l.path,
				"line", lineNum,
				"content", line,
				"error", err,
			)
			continue
		}

		if !fn(record) {
			return complete, nil
		}
	}
}

// Clear truncates the log. LSN numbering continues where it was.
// Only call it once every committed write is on the page store.
func (l *LogStore) Clear() error {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	if l.file == nil {
		return ErrLogClosed
	}

	if err := l.file.Close(); err != nil {
		l.log.Warnw("failed to close log file before clearing", "error", err)
	}
	l.file = nil

	file, err := l.fs.OpenFile(
		filepath.Clean(l.path),
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_APPEND,
		0o600,
	)
	if err != nil {
		return fmt.Errorf("failed to truncate log file %s: %w", l.path, err)
	}

	if err := file.Sync(); err != nil {
		return errors.Join(
			fmt.Errorf("failed to sync truncated log: %w", err),
			file.Close(),
		)
	}

	l.file = file
	l.size = 0
	l.torn = false
	l.log.Infow("log cleared", "path", l.path, "nextLSN", l.nextLSN)
	return nil
}

func (l *LogStore) Close() error {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()

	if l.file == nil {
		return nil
	}

	err := l.file.Close()
	l.file = nil
	return err
}

func (l *LogStore) Path() string {
	return l.path
}

func (l *LogStore) Size() int64 {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	return l.size
}

func (l *LogStore) NextLSN() common.LSN {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	return l.nextLSN
}

// MaxTxnID is the largest transaction id that has a record in the log.
func (l *LogStore) MaxTxnID() common.TxnID {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	return l.maxTxnID
}

// Dump writes every record of the log, one per line.
func (l *LogStore) Dump(w io.Writer, filterCommitted bool) error {
	for r, err := range l.Records(filterCommitted) {
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, r.String()); err != nil {
			return err
		}
	}
	return nil
}
