package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	// MaxReadBytes is the per-read size ceiling. Tail reads never pull more
	// than this from the end of a transcript, so an oversized file slows
	// nothing down; the head is simply skipped.
	MaxReadBytes = 4 << 20 // 4 MiB

	// maxLineBytes bounds a single JSONL line during scanning.
	maxLineBytes = 1 << 20 // 1 MiB

	// readTimeout bounds the wall-clock time one tail read may take.
	readTimeout = 2 * time.Second
)

// ReadTail reads up to maxLines complete lines from the end of path and
// parses each as an independent JSON record. Malformed lines are skipped,
// never fatal. Reads are bounded by both MaxReadBytes and readTimeout.
func ReadTail(path string, maxLines int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// Seek so at most MaxReadBytes are scanned. Partial first lines after
	// the seek are discarded below by the mid-line resync.
	start := int64(0)
	if info.Size() > MaxReadBytes {
		start = info.Size() - MaxReadBytes
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking %s: %w", path, err)
		}
	}

	deadline := time.Now().Add(readTimeout)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	// Keep only the last maxLines raw lines in a ring.
	ring := make([][]byte, 0, maxLines)
	first := start > 0 // first line after a mid-file seek is likely partial
	for scanner.Scan() {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("tail read of %s exceeded %s", path, readTimeout)
		}
		line := scanner.Bytes()
		if first {
			first = false
			if !bytes.HasPrefix(bytes.TrimSpace(line), []byte("{")) {
				continue
			}
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		buf := append([]byte(nil), line...)
		if len(ring) == maxLines {
			copy(ring, ring[1:])
			ring[len(ring)-1] = buf
		} else {
			ring = append(ring, buf)
		}
	}
	if err := scanner.Err(); err != nil {
		// A single oversized line aborts the scan; return what was
		// collected before it rather than failing the whole observation.
		if err == bufio.ErrTooLong {
			return decodeLines(ring), nil
		}
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}

	return decodeLines(ring), nil
}

func decodeLines(lines [][]byte) []Entry {
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// FirstTimestamp reads the first line of path and returns its timestamp.
// Used as a stand-in for session start time. Returns false when the file
// cannot be read or the first record carries no valid timestamp.
func FirstTimestamp(path string) (time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		return time.Time{}, false
	}

	var e Entry
	if json.Unmarshal(scanner.Bytes(), &e) != nil {
		return time.Time{}, false
	}
	t := e.Time()
	if t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}
