package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	// GenesisHash is the predecessor hash of the first event.
	GenesisHash = "sha256:genesis"

	hashPrefix = "sha256:"
)

// Writer persists audit events.
//
// Write must set HashPrev and Hash, and return an error when the event
// could not be stored: a failed audit write fails the audited operation.
type Writer interface {
	Write(event *Event) error
	Close() error
	// LastHash returns the hash of the last written event, GenesisHash
	// when none was written.
	LastHash() string
}

// NopWriter discards all events.
type NopWriter struct{}

var _ Writer = NopWriter{}

func (NopWriter) Write(*Event) error { return nil }
func (NopWriter) Close() error       { return nil }
func (NopWriter) LastHash() string   { return GenesisHash }

// chain holds the hash state shared by the writers.
type chain struct {
	mu       sync.Mutex
	lastHash string
}

// seal links event to the chain and returns its JSON line.
func (c *chain) seal(event *Event) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	event.HashPrev = c.lastHash
	canonical, err := event.canonicalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	event.Hash = calculateHash(canonical, c.lastHash)
	line, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return append(line, '\n'), nil
}

// FileWriter appends events to a JSON lines file and syncs after each one.
// An existing file is continued from its last hash.
type FileWriter struct {
	chain
	file *os.File
	path string
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter opens path for appending.
func NewFileWriter(path string) (*FileWriter, error) {
	lastHash := GenesisHash
	if existing, err := os.ReadFile(path); err == nil && len(existing) > 0 {
		if lastHash, err = readLastHash(existing); err != nil {
			return nil, fmt.Errorf("failed to read last hash from existing log: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileWriter{chain: chain{lastHash: lastHash}, file: file, path: path}, nil
}

func readLastHash(data []byte) (string, error) {
	var last []byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if last == nil {
		return GenesisHash, nil
	}
	var event struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(last, &event); err != nil {
		return "", fmt.Errorf("failed to parse last event: %w", err)
	}
	if event.Hash == "" {
		return "", fmt.Errorf("last event has no hash")
	}
	return event.Hash, nil
}

// Write appends event.
func (w *FileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("audit log %s is closed", w.path)
	}
	line, err := w.seal(event)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	w.lastHash = event.Hash
	return nil
}

// Close syncs and closes the file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}

// LastHash returns the hash of the last written event.
func (w *FileWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash
}

// Path returns the log file path.
func (w *FileWriter) Path() string { return w.path }

// StreamWriter writes chained events to an io.Writer, for example stderr
// or an HTTP response in tests.
type StreamWriter struct {
	chain
	w io.Writer
}

var _ Writer = (*StreamWriter)(nil)

// NewStreamWriter starts a new chain on w.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{chain: chain{lastHash: GenesisHash}, w: w}
}

// Write appends event.
func (s *StreamWriter) Write(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, err := s.seal(event)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.lastHash = event.Hash
	return nil
}

// Close is a no-op; the underlying writer belongs to the caller.
func (s *StreamWriter) Close() error { return nil }

// LastHash returns the hash of the last written event.
func (s *StreamWriter) LastHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash
}

func calculateHash(data []byte, prevHash string) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(prevHash))
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks the hash chain of a JSON lines audit trail and returns
// the number of valid events before the first problem.
func VerifyChain(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	expected := GenesisHash
	valid, lineNum := 0, 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return valid, fmt.Errorf("line %d: invalid JSON: %w", lineNum, err)
		}
		if event.HashPrev != expected {
			return valid, fmt.Errorf("line %d: hash chain broken: expected prev=%s, got prev=%s", lineNum, expected, event.HashPrev)
		}
		canonical, err := event.canonicalJSON()
		if err != nil {
			return valid, fmt.Errorf("line %d: failed to serialize: %w", lineNum, err)
		}
		if calc := calculateHash(canonical, event.HashPrev); event.Hash != calc {
			return valid, fmt.Errorf("line %d: hash mismatch: expected=%s, got=%s", lineNum, calc, event.Hash)
		}
		expected = event.Hash
		valid++
	}
	if err := scanner.Err(); err != nil {
		return valid, fmt.Errorf("scan error: %w", err)
	}
	return valid, nil
}

// VerifyFile runs VerifyChain over the file at path.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()
	return VerifyChain(f)
}
