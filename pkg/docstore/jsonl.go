package docstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// maxLineSize bounds one JSON-lines record.
const maxLineSize = 16 << 20

// AppendLines appends one JSON record per value to the log at path, creating
// it if needed, and syncs before returning. A torn final line left by an
// earlier crash is terminated first so the new records start on a line of
// their own.
func AppendLines(path string, records ...any) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	var buf bytes.Buffer
	for _, rec := range records {
		line, err := MarshalObject(rec, nil)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	torn, err := endsWithoutNewline(f)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", path, err)
	}
	if torn {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("terminate torn line in %s: %w", path, err)
		}
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return f.Sync()
}

func endsWithoutNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// LineError describes a line of a JSON-lines log that is not valid JSON.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ScanLines calls fn with every well-formed JSON line of the log at path, in
// order. Blank lines are skipped; malformed lines are collected and returned
// rather than aborting the scan. A missing file is reported as an error
// matching fs.ErrNotExist.
func ScanLines(path string, fn func(line int, raw json.RawMessage) error) ([]LineError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return scan(f, fn)
}

func scan(r io.Reader, fn func(line int, raw json.RawMessage) error) ([]LineError, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var bad []LineError
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		if !json.Valid(text) {
			bad = append(bad, LineError{Line: lineNo, Err: fmt.Errorf("invalid JSON")})
			continue
		}
		raw := make(json.RawMessage, len(text))
		copy(raw, text)
		if err := fn(lineNo, raw); err != nil {
			return bad, err
		}
	}
	if err := scanner.Err(); err != nil {
		return bad, fmt.Errorf("scan: %w", err)
	}
	return bad, nil
}
