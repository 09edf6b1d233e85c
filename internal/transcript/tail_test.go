package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeLines(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadTailBasic(t *testing.T) {
	path := writeLines(t,
		`{"type":"user","content":"hello"}`,
		`{"type":"assistant","content":"hi"}`,
		`{"type":"tool_use","toolName":"Bash"}`,
	)

	entries, err := ReadTail(path, 10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[2].Type != "tool_use" || entries[2].ToolName != "Bash" {
		t.Errorf("last entry = %+v", entries[2])
	}
}

func TestReadTailWindowLimit(t *testing.T) {
	lines := make([]string, 30)
	for i := range lines {
		lines[i] = fmt.Sprintf(`{"type":"user","content":"m%d"}`, i)
	}
	path := writeLines(t, lines...)

	entries, err := ReadTail(path, 5)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	if got := entries[4].ContentText(); got != "m29" {
		t.Errorf("last entry content = %q, want m29", got)
	}
	if got := entries[0].ContentText(); got != "m25" {
		t.Errorf("first entry content = %q, want m25", got)
	}
}

func TestReadTailSkipsMalformedLines(t *testing.T) {
	path := writeLines(t,
		`{"type":"user","content":"ok"}`,
		`not json at all`,
		`{"type":"assistant","content":`,
		``,
		`{"type":"assistant","content":"fine"}`,
	)

	entries, err := ReadTail(path, 10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Type != "user" || entries[1].Type != "assistant" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestReadTailEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadTail(path, 10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries, want 0", len(entries))
	}
}

func TestReadTailMissingFile(t *testing.T) {
	if _, err := ReadTail(filepath.Join(t.TempDir(), "nope.jsonl"), 10); !os.IsNotExist(err) {
		t.Errorf("ReadTail on missing file: %v, want IsNotExist", err)
	}
}

func TestReadTailOversizedFileReadsOnlyTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	// Pad past the read ceiling, then append real records the tail must see.
	pad := strings.Repeat(`{"type":"user","content":"padding entry"}`+"\n", 1)
	for written := int64(0); written < MaxReadBytes+4096; written += int64(len(pad)) {
		if _, err := f.WriteString(pad); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.WriteString(`{"type":"assistant","content":"the end"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadTail(path, 3)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if got := entries[2].ContentText(); got != "the end" {
		t.Errorf("last entry content = %q, want %q", got, "the end")
	}
}

func TestReadTailOversizedLine(t *testing.T) {
	path := writeLines(t,
		`{"type":"user","content":"before"}`,
		`{"type":"assistant","content":"`+strings.Repeat("x", 2<<20)+`"}`,
	)

	// The oversized line aborts the scan; entries collected before it are
	// still returned.
	entries, err := ReadTail(path, 10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if len(entries) != 1 || entries[0].ContentText() != "before" {
		t.Errorf("entries = %+v, want the single pre-overflow record", entries)
	}
}

func TestFirstTimestamp(t *testing.T) {
	want := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	path := writeLines(t,
		`{"type":"user","content":"hi","timestamp":"2026-08-01T12:30:00Z"}`,
		`{"type":"assistant","content":"hello","timestamp":"2026-08-01T12:31:00Z"}`,
	)

	got, ok := FirstTimestamp(path)
	if !ok {
		t.Fatal("FirstTimestamp() ok = false")
	}
	if !got.Equal(want) {
		t.Errorf("FirstTimestamp() = %v, want %v", got, want)
	}
}

func TestFirstTimestampAbsent(t *testing.T) {
	path := writeLines(t, `{"type":"user","content":"no timestamp"}`)
	if _, ok := FirstTimestamp(path); ok {
		t.Error("FirstTimestamp() ok = true for record without timestamp")
	}
}

func TestEntryHasErrorSignal(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{"flagged", `{"type":"tool_result","isError":true,"content":"x"}`, true},
		{"keyword", `{"type":"assistant","content":"command failed with exit 1"}`, true},
		{"exception", `{"type":"assistant","content":"Unhandled Exception thrown"}`, true},
		{"clean", `{"type":"assistant","content":"all good"}`, false},
		{"empty", `{"type":"assistant"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeLines(t, tt.line)
			entries, err := ReadTail(path, 1)
			if err != nil || len(entries) != 1 {
				t.Fatalf("ReadTail: %v, %d entries", err, len(entries))
			}
			if got := entries[0].HasErrorSignal(); got != tt.want {
				t.Errorf("HasErrorSignal() = %v, want %v", got, tt.want)
			}
		})
	}
}
