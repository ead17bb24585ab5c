// Package eventstore keeps an append-only history of accepted telemetry
// events: one JSON object per line in events.jsonl under the pulse
// directory. The Manager appends every observation it applies; `pulse
// events` reads it back.
package eventstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pulse/internal/agentsource"
)

const eventsFileName = "events.jsonl"

// Record is one accepted telemetry event as stored on disk.
type Record struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	ConnID    string             `json:"conn_id,omitempty"`
	Path      string             `json:"path"`
	Source    agentsource.Source `json:"source"`
	ToolCall  string             `json:"tool_call,omitempty"`

	// Tokens is nil when the event carried no token count.
	Tokens *int `json:"tokens,omitempty"`
}

// EventStore provides append/read access to events.jsonl.
type EventStore struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates or opens events.jsonl in dir.
func Open(dir string) (*EventStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create eventstore dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	return &EventStore{file: f}, nil
}

// Append writes rec as a single line.
func (s *EventStore) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(data)
	return err
}

// Read returns every record in the file.
func (s *EventStore) Read() ([]Record, error) {
	return ReadFile(filepath.Dir(s.file.Name()))
}

// Tail streams records appended after the current end of file. The
// channel is closed when ctx is cancelled.
func (s *EventStore) Tail(ctx context.Context) (<-chan Record, error) {
	return TailFile(ctx, filepath.Dir(s.file.Name()))
}

// Close closes the underlying file.
func (s *EventStore) Close() error {
	return s.file.Close()
}

// ReadFile reads all records from events.jsonl in dir without opening the
// store for writing.
func ReadFile(dir string) ([]Record, error) {
	f, err := os.Open(filepath.Join(dir, eventsFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readRecords(f)
}

// TailFile streams records appended to events.jsonl in dir after the call.
func TailFile(ctx context.Context, dir string) (<-chan Record, error) {
	f, err := os.Open(filepath.Join(dir, eventsFileName))
	if err != nil {
		return nil, fmt.Errorf("open events for tail: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek to end: %w", err)
	}

	ch := make(chan Record, 64)
	go func() {
		defer f.Close()
		defer close(ch)
		reader := bufio.NewReader(f)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		var partial []byte
		for {
			for {
				line, err := reader.ReadBytes('\n')
				if err != nil {
					// No trailing newline yet.
					partial = append(partial, line...)
					break
				}
				if len(partial) > 0 {
					line = append(partial, line...)
					partial = nil
				}
				var rec Record
				if err := json.Unmarshal(line, &rec); err != nil {
					continue
				}
				select {
				case ch <- rec:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func readRecords(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final line from a crash is skipped.
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// Remove deletes events.jsonl in dir. A missing file is not an error.
func Remove(dir string) error {
	if err := os.Remove(filepath.Join(dir, eventsFileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove events file: %w", err)
	}
	return nil
}
