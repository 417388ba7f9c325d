package logstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/inercia/tether/internal/logging"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStoreClosed     = errors.New("store is closed")
	ErrMissingMeta     = errors.New("session file has no meta record")
)

const (
	fileTimeFormat = "2006-01-02T15-04-05"
	filePrefix     = "rollout-"
	fileSuffix     = ".jsonl"
)

// Store manages the session log tree. It is safe for concurrent use.
// Appends are single-writer per session; replay readers open independent
// read handles and never interleave with an in-flight append.
type Store struct {
	baseDir string

	mu     sync.RWMutex
	closed bool

	// scan cache, invalidated by the fsnotify watcher
	cacheMu    sync.Mutex
	cacheValid bool
	cached     []fileInfo

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type fileInfo struct {
	path  string
	mtime time.Time
}

// NewStore creates a store rooted at baseDir, creating the directory if
// needed. A filesystem watcher keeps the discovery cache honest when other
// processes add session files.
func NewStore(baseDir string) (*Store, error) {
	log := logging.Store()
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &Store{
		baseDir: baseDir,
		done:    make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Discovery still works without the watcher, just without cache
		// invalidation from external writers.
		log.Warn("fsnotify watcher unavailable, discovery cache disabled", "error", err)
	} else {
		s.watcher = watcher
		if err := watcher.Add(baseDir); err != nil {
			log.Warn("failed to watch sessions directory", "error", err)
		}
		go s.watchLoop()
	}

	log.Debug("session store initialized", "base_dir", baseDir)
	return s, nil
}

// BaseDir returns the root of the session log tree.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Close stops the watcher. Open writers remain valid.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			// New day directories must be watched too so files created
			// inside them keep invalidating the cache.
			if ev.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = s.watcher.Add(ev.Name)
				}
			}
			s.invalidateCache()
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Store) invalidateCache() {
	s.cacheMu.Lock()
	s.cacheValid = false
	s.cacheMu.Unlock()
}

// sessionFileName builds the file name for a new session. The name embeds
// both the creation time and the session id so that discovery can order and
// match files without opening them.
func sessionFileName(createdAt time.Time, sessionID string) string {
	return filePrefix + createdAt.UTC().Format(fileTimeFormat) + "-" + sessionID + fileSuffix
}

// sessionIDFromPath extracts the session id embedded in a session file name.
// Returns "" if the name does not follow the store layout.
func sessionIDFromPath(path string) string {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return ""
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	// rest = <timestamp>-<session_id>, timestamp has fixed width
	if len(rest) <= len(fileTimeFormat)+1 {
		return ""
	}
	return rest[len(fileTimeFormat)+1:]
}

// Writer appends records to a single session file. It is not safe for
// concurrent use; the session coordinator is its single owner.
type Writer struct {
	store *Store
	f     *os.File
	bw    *bufio.Writer
	path  string
}

// OpenForAppend opens the log for sessionID, creating it (with its meta
// record) when no file for the session exists yet. The meta argument is only
// used at creation time.
func (s *Store) OpenForAppend(sessionID string, meta Meta) (*Writer, error) {
	log := logging.Store()
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrStoreClosed
	}

	if path, err := s.DiscoverByID(sessionID); err == nil {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open session file: %w", err)
		}
		log.Debug("session log reopened for append", "session_id", sessionID, "path", path)
		return &Writer{store: s, f: f, bw: bufio.NewWriter(f), path: path}, nil
	}

	now := time.Now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.SessionID = sessionID

	dir := filepath.Join(s.baseDir, now.UTC().Format("2006"), now.UTC().Format("01"), now.UTC().Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if s.watcher != nil {
		_ = s.watcher.Add(dir)
	}

	path := filepath.Join(dir, sessionFileName(meta.CreatedAt, sessionID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create session file: %w", err)
	}

	w := &Writer{store: s, f: f, bw: bufio.NewWriter(f), path: path}
	if err := w.Append(Record{Kind: RecordMeta, Meta: &meta}); err != nil {
		f.Close()
		return nil, err
	}

	s.invalidateCache()
	log.Debug("session log created", "session_id", sessionID, "path", path)
	return w, nil
}

// Path returns the file this writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one record and flushes it to disk. The flush must complete
// before the corresponding canonical event is broadcast so that a crash
// between write and broadcast can never produce a client-visible event that
// is absent from the log.
func (w *Writer) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode log record: %w", err)
	}
	if _, err := w.bw.Write(data); err != nil {
		return fmt.Errorf("failed to append log record: %w", err)
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to append log record: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush log record: %w", err)
	}
	return w.f.Sync()
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// ReadMeta reads the meta record of a session file. The first non-empty line
// of any session file is always the meta record.
func ReadMeta(path string) (Meta, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return Meta{}, fmt.Errorf("corrupt meta record: %w", err)
		}
		if rec.Kind != RecordMeta || rec.Meta == nil {
			return Meta{}, ErrMissingMeta
		}
		return *rec.Meta, nil
	}
	if err := scanner.Err(); err != nil {
		return Meta{}, err
	}
	return Meta{}, ErrMissingMeta
}

// ReadTail returns all turn_item records with Seq > afterSeq, in file order.
// Records that fail to decode are skipped: a torn final line after a crash
// must not poison replay of the rest of the session.
func ReadTail(path string, afterSeq int64) ([]TurnItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	var items []TurnItem
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Kind != RecordTurnItem || rec.TurnItem == nil {
			continue
		}
		if rec.TurnItem.Seq > afterSeq {
			items = append(items, *rec.TurnItem)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// MaxSeq returns the highest sequence number recorded in a session file, or
// zero for a file with no turn items.
func MaxSeq(path string) (int64, error) {
	items, err := ReadTail(path, 0)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, it := range items {
		if it.Seq > max {
			max = it.Seq
		}
	}
	return max, nil
}
