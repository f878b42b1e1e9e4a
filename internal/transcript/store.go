package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound         = errors.New("transcript not found")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// ErrStopScan aborts a Scan early without surfacing an error to the caller.
var ErrStopScan = errors.New("stop scan")

const maxLineBytes = 4 * 1024 * 1024

// Store keeps one append-only JSON-per-line file per session. Single-writer
// per session is guaranteed by the single-flight task invariant upstream; the
// per-session mutex here only serializes appends against concurrent reads of
// a partially flushed tail.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("transcript dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Append writes one entry to the session log, fsyncing before returning so a
// successful append is durable.
func (s *Store) Append(sessionID string, entry Entry) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync transcript: %w", err)
	}
	return nil
}

// Scan streams every entry in arrival order. Lines that fail to decode are
// skipped rather than aborting the scan, so one torn write from a crash does
// not make the whole history unreadable. A missing log reads as empty.
func (s *Store) Scan(sessionID string, fn func(Entry) error) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if err := fn(entry); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("scan transcript: %w", err)
	}
	return nil
}

// Contains reports whether any entry satisfies the predicate. Used by the
// engine's bounded durability wait before an interactive answer is appended.
func (s *Store) Contains(sessionID string, match func(Entry) bool) (bool, error) {
	found := false
	err := s.Scan(sessionID, func(e Entry) error {
		if match(e) {
			found = true
			return ErrStopScan
		}
		return nil
	})
	return found, err
}

// Delete removes a session's log. Missing logs delete cleanly.
func (s *Store) Delete(sessionID string) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete transcript: %w", err)
	}
	return nil
}

func (s *Store) path(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || strings.ContainsAny(sessionID, `/\.`) {
		return "", ErrInvalidSessionID
	}
	return filepath.Join(s.dir, sessionID+".jsonl"), nil
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}
