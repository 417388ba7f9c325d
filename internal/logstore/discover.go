package logstore

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/inercia/tether/internal/logging"
	"github.com/inercia/tether/internal/protocol"
)

// scanFiles walks the session tree and returns every session file with its
// modification time. Results are cached until the watcher reports a change.
func (s *Store) scanFiles() ([]fileInfo, error) {
	s.cacheMu.Lock()
	if s.cacheValid {
		cached := make([]fileInfo, len(s.cached))
		copy(cached, s.cached)
		s.cacheMu.Unlock()
		return cached, nil
	}
	s.cacheMu.Unlock()

	var files []fileInfo
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A vanished directory mid-walk is not fatal to discovery.
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, fileInfo{path: path, mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	s.cached = files
	s.cacheValid = s.watcher != nil
	s.cacheMu.Unlock()
	return files, nil
}

// DiscoverLast returns the session id and path of the newest recorded
// session. Ties on modification time (coarse filesystem clocks) are broken
// deterministically by the lexicographically greatest file name, which embeds
// the creation timestamp and session id.
func (s *Store) DiscoverLast() (sessionID, path string, err error) {
	files, err := s.scanFiles()
	if err != nil {
		return "", "", err
	}
	if len(files) == 0 {
		return "", "", ErrSessionNotFound
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].mtime.Equal(files[j].mtime) {
			return files[i].mtime.After(files[j].mtime)
		}
		return filepath.Base(files[i].path) > filepath.Base(files[j].path)
	})

	best := files[0]
	id := sessionIDFromPath(best.path)
	if id == "" {
		// Fall back to the meta record for files not named by this store.
		meta, err := ReadMeta(best.path)
		if err != nil {
			return "", "", err
		}
		id = meta.SessionID
	}
	return id, best.path, nil
}

// DiscoverByID returns the path of the session file recording the given
// session id. The file name match is tried first; files with foreign names
// are identified by their meta record.
func (s *Store) DiscoverByID(sessionID string) (string, error) {
	if sessionID == "" {
		return "", ErrSessionNotFound
	}
	files, err := s.scanFiles()
	if err != nil {
		return "", err
	}
	for _, fi := range files {
		if sessionIDFromPath(fi.path) == sessionID {
			return fi.path, nil
		}
	}
	for _, fi := range files {
		if sessionIDFromPath(fi.path) != "" {
			continue
		}
		meta, err := ReadMeta(fi.path)
		if err != nil {
			continue
		}
		if meta.SessionID == sessionID {
			return fi.path, nil
		}
	}
	return "", ErrSessionNotFound
}

// SessionInfo is a summary of one recorded session, used by the sessions CLI.
type SessionInfo struct {
	SessionID string
	Path      string
	CreatedAt string
	Title     string
	Snippet   string
	Events    int
}

// List returns summaries of the most recent sessions, newest first, capped
// at limit (0 means all).
func (s *Store) List(limit int) ([]SessionInfo, error) {
	log := logging.Store()
	files, err := s.scanFiles()
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mtime.Equal(files[j].mtime) {
			return files[i].mtime.After(files[j].mtime)
		}
		return filepath.Base(files[i].path) > filepath.Base(files[j].path)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}

	var infos []SessionInfo
	for _, fi := range files {
		meta, err := ReadMeta(fi.path)
		if err != nil {
			log.Warn("skipping unreadable session file", "path", fi.path, "error", err)
			continue
		}
		items, err := ReadTail(fi.path, 0)
		if err != nil {
			continue
		}
		title, snippet := summarize(items)
		infos = append(infos, SessionInfo{
			SessionID: meta.SessionID,
			Path:      fi.path,
			CreatedAt: meta.CreatedAt.Format("2006-01-02 15:04:05"),
			Title:     title,
			Snippet:   snippet,
			Events:    len(items),
		})
	}
	return infos, nil
}

// summarize derives a display title and snippet from the last agent message
// of a session, falling back to reasoning text.
func summarize(items []TurnItem) (title, snippet string) {
	var lastMessage, lastReasoning string
	for _, it := range items {
		ev := it.Event
		if ev.Type != protocol.EventItemCompleted {
			continue
		}
		item, ok := ev.Payload.(map[string]any)
		if !ok {
			continue
		}
		text, _ := item["text"].(string)
		if text == "" {
			continue
		}
		switch item["item_type"] {
		case string(protocol.ItemAgentMessage):
			lastMessage = text
		case string(protocol.ItemReasoning):
			lastReasoning = text
		}
	}

	source := lastMessage
	if source == "" {
		source = lastReasoning
	}
	if source == "" {
		return "Session", "(no messages)"
	}
	snippet = source
	if len(snippet) > 240 {
		snippet = snippet[:240]
	}
	return InferTitle(source), snippet
}

// InferTitle extracts a short title from message text: the first **bold**
// span when present, otherwise the first six words.
func InferTitle(s string) string {
	if start := strings.Index(s, "**"); start >= 0 {
		rest := s[start+2:]
		if end := strings.Index(rest, "**"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	words := strings.Fields(s)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
