package mailbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// inboxDir is the directory name within the state directory that holds inboxes.
	inboxDir = "inbox"

	// indexFile is the append-only JSONL file within each inbox directory.
	indexFile = "index.jsonl"
)

// Store provides file-based inbox storage with append-only writes and
// per-recipient deduplication.
type Store struct {
	stateDir string
	now      func() time.Time

	mu        sync.Mutex
	delivered map[string]map[string]struct{} // recipient -> message IDs
}

// NewStore creates a Store rooted at the given state directory.
// The directory structure is created lazily on first write.
func NewStore(stateDir string) *Store {
	return &Store{
		stateDir:  stateDir,
		now:       time.Now,
		delivered: make(map[string]map[string]struct{}),
	}
}

// Send appends msg to the recipient's inbox. It returns false without
// writing when a message with the same ID was already delivered to that
// recipient. An empty ID is derived from EventID and To.
func (s *Store) Send(msg Message) (bool, error) {
	if msg.From == "" {
		return false, fmt.Errorf("mailbox: message From field is required")
	}
	if msg.To == "" {
		return false, fmt.Errorf("mailbox: message To field is required")
	}
	if msg.Type == "" {
		return false, fmt.Errorf("mailbox: message Type field is required")
	}
	if msg.EventID == "" {
		return false, fmt.Errorf("mailbox: message EventID field is required")
	}

	if msg.ID == "" {
		msg.ID = DeliveryID(msg.EventID, msg.To)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen, err := s.seenLocked(msg.To)
	if err != nil {
		return false, err
	}
	if _, dup := seen[msg.ID]; dup {
		return false, nil
	}

	dir := s.dirForRecipient(msg.To)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("mailbox: create directory: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("mailbox: marshal message: %w", err)
	}
	data = append(data, '\n')

	if err := appendLine(filepath.Join(dir, indexFile), data); err != nil {
		return false, err
	}
	seen[msg.ID] = struct{}{}
	return true, nil
}

// ReadForRole returns all messages in a role's inbox in delivery order.
func (s *Store) ReadForRole(roleID string) ([]Message, error) {
	if roleID == "" {
		return nil, fmt.Errorf("mailbox: roleID is required")
	}
	return readIndex(s.dirForRecipient(roleID))
}

// Recipients lists the roles that have an inbox on disk.
func (s *Store) Recipients() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.stateDir, inboxDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: list inboxes: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// seenLocked returns the delivered-ID set for a recipient, loading it from
// disk on first use.
func (s *Store) seenLocked(recipient string) (map[string]struct{}, error) {
	if seen, ok := s.delivered[recipient]; ok {
		return seen, nil
	}
	existing, err := readIndex(s.dirForRecipient(recipient))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}
	s.delivered[recipient] = seen
	return seen, nil
}

// dirForRecipient returns the inbox directory for a given recipient.
func (s *Store) dirForRecipient(recipient string) string {
	return filepath.Join(s.stateDir, inboxDir, recipient)
}

// readIndex reads all messages from an index.jsonl file.
// Returns nil (not error) if the file does not exist.
func readIndex(dir string) ([]Message, error) {
	path := filepath.Join(dir, indexFile)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: open index: %w", err)
	}
	defer func() { _ = f.Close() }()

	var messages []Message
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Skip malformed lines rather than failing entirely
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mailbox: scan index: %w", err)
	}

	return messages, nil
}

// appendLine appends one JSONL line. The caller serializes writers.
func appendLine(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mailbox: open index for append: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("mailbox: append to index: %w", err)
	}

	return f.Close()
}
