package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/folder-unzip/stats"
)

// Entry is one line of the journal: a file action taken for a message.
type Entry struct {
	Time       time.Time `json:"time"`
	Action     string    `json:"action"`
	MessageID  string    `json:"message_id,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Attachment string    `json:"attachment,omitempty"`
	Entry      string    `json:"entry,omitempty"`
	Path       string    `json:"path,omitempty"`
	Modified   time.Time `json:"modified,omitzero"`
	Error      string    `json:"error,omitempty"`
}

// FileJournal appends pipeline events to a JSONL file. It is an audit trail
// only; nothing reads it back to decide what to process.
type FileJournal struct {
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
	now     func() time.Time
}

func NewFileJournal(dir string) (*FileJournal, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("journal directory is empty")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	path := filepath.Join(dir, "journal.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal file for append: %w", err)
	}

	return &FileJournal{
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		now:    time.Now,
	}, nil
}

func (f *FileJournal) Path() string {
	return f.path
}

// Subscriber records every file action and error from the event stream.
func (f *FileJournal) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return f.Flush()
			}
			if !journaled(evt.Type) {
				continue
			}
			if err := f.Record(fromEvent(evt)); err != nil {
				return err
			}
		}
	}
}

func journaled(t stats.EventType) bool {
	switch t {
	case stats.EventTypeSaved, stats.EventTypeExtracted, stats.EventTypeSkipped,
		stats.EventTypeRejected, stats.EventTypeRemoved, stats.EventTypeMarkedRead,
		stats.EventTypeError:
		return true
	}
	return false
}

func fromEvent(evt stats.Event) Entry {
	e := Entry{
		Action:     string(evt.Type),
		MessageID:  evt.MessageID,
		Subject:    evt.Subject,
		Attachment: evt.Attachment,
		Entry:      evt.Entry,
		Path:       evt.Path,
		Modified:   evt.Modified,
	}
	if evt.Err != nil {
		e.Error = evt.Err.Error()
	}
	return e
}

func (f *FileJournal) Record(e Entry) error {
	if e.Time.IsZero() {
		e.Time = f.now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileJournal) Flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync journal file: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (f *FileJournal) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flush journal file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync journal file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close journal file: %w", err)
	}

	return firstErr
}

// Read loads all entries of a journal file.
func Read(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(text, &e); err != nil {
			return nil, fmt.Errorf("parse journal line %d: %w", line, err)
		}
		entries = append(entries, e)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal file: %w", err)
	}

	return entries, nil
}
