package audit

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func signEvent(name string) *Event {
	return NewEvent(EventSign, ResultSuccess).
		WithObject(Object{Type: "document", Name: name, Digest: "ab12"}).
		WithDetails(Details{Format: "cms-detached", Algorithm: "ecdsa-p256"})
}

// =============================================================================
// Event Tests
// =============================================================================

func TestU_NewEvent_Defaults(t *testing.T) {
	event := NewEvent(EventVerify, ResultFailure)

	if event.EventType != EventVerify {
		t.Errorf("EventType = %s, want %s", event.EventType, EventVerify)
	}
	if event.Result != ResultFailure {
		t.Errorf("Result = %s, want %s", event.Result, ResultFailure)
	}
	if !strings.HasSuffix(event.Timestamp, "Z") {
		t.Errorf("Timestamp %q should be UTC", event.Timestamp)
	}
	if event.Actor.Type != "user" || event.Actor.ID == "" {
		t.Errorf("Actor = %+v", event.Actor)
	}
	if err := event.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestU_Event_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"[Unit] missing type", func(e *Event) { e.EventType = "" }},
		{"[Unit] missing timestamp", func(e *Event) { e.Timestamp = "" }},
		{"[Unit] missing actor", func(e *Event) { e.Actor = Actor{} }},
		{"[Unit] missing result", func(e *Event) { e.Result = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := signEvent("a.txt")
			tt.mutate(e)
			if err := e.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestU_ResultOf(t *testing.T) {
	if ResultOf(nil) != ResultSuccess {
		t.Error("nil error should be success")
	}
	if ResultOf(errors.New("boom")) != ResultFailure {
		t.Error("error should be failure")
	}
}

// =============================================================================
// Writer Tests
// =============================================================================

func TestU_StreamWriter_Chain(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	if w.LastHash() != GenesisHash {
		t.Fatalf("LastHash() = %s, want genesis", w.LastHash())
	}

	first, second := signEvent("a.txt"), signEvent("b.txt")
	if err := w.Write(first); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Write(second); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if first.HashPrev != GenesisHash {
		t.Errorf("first HashPrev = %s", first.HashPrev)
	}
	if second.HashPrev != first.Hash {
		t.Error("second event should chain to the first")
	}
	if w.LastHash() != second.Hash {
		t.Error("LastHash() should be the second hash")
	}

	n, err := VerifyChain(bytes.NewReader(buf.Bytes()))
	if err != nil || n != 2 {
		t.Fatalf("VerifyChain() = %d, %v", n, err)
	}
}

func TestU_StreamWriter_RejectsInvalid(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	if err := w.Write(&Event{}); err == nil {
		t.Error("Write(invalid) should fail")
	}
	if buf.Len() != 0 {
		t.Error("invalid event should not be written")
	}
}

func TestU_VerifyChain_Tampered(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if err := w.Write(signEvent(name)); err != nil {
			t.Fatal(err)
		}
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")

	tests := []struct {
		name  string
		lines []string
		valid int
	}{
		{"[Unit] edited line", []string{lines[0], strings.Replace(lines[1], "b.txt", "x.txt", 1), lines[2]}, 1},
		{"[Unit] removed line", []string{lines[0], lines[2]}, 1},
		{"[Unit] reordered", []string{lines[1], lines[0]}, 0},
		{"[Unit] garbage", []string{lines[0], "{not json"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := VerifyChain(strings.NewReader(strings.Join(tt.lines, "\n")))
			if err == nil {
				t.Fatal("VerifyChain() should fail")
			}
			if n != tt.valid {
				t.Errorf("valid events = %d, want %d", n, tt.valid)
			}
		})
	}
}

func TestF_FileWriter_ContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	w, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	if err := w.Write(signEvent("a.txt")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	last := w.LastHash()
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Write(signEvent("late.txt")); err == nil {
		t.Error("Write after Close should fail")
	}

	w2, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if w2.LastHash() != last {
		t.Errorf("reopened LastHash() = %s, want %s", w2.LastHash(), last)
	}
	if err := w2.Write(NewEvent(EventDecrypt, ResultSuccess)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatal(err)
	}

	n, err := VerifyFile(path)
	if err != nil || n != 2 {
		t.Errorf("VerifyFile() = %d, %v", n, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("audit log mode = %o, want 600", info.Mode().Perm())
	}
}

func TestU_FileWriter_CorruptExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := os.WriteFile(path, []byte("not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileWriter(path); err == nil {
		t.Error("NewFileWriter should reject a corrupt log")
	}
}

func TestU_NopWriter(t *testing.T) {
	var w Writer = NopWriter{}
	if err := w.Write(signEvent("a")); err != nil {
		t.Error(err)
	}
	if w.LastHash() != GenesisHash {
		t.Error("NopWriter LastHash should be genesis")
	}
}
