package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dhcgn/folder-unzip/filter"
	"github.com/dhcgn/folder-unzip/model"
)

var (
	ErrInvalidName = errors.New("attachment name is not a usable file name")
)

// Action names what happened to a file on disk.
type Action string

const (
	ActionSaved     Action = "saved"
	ActionExtracted Action = "extracted"
	ActionSkipped   Action = "skipped"
	ActionRejected  Action = "rejected"
	ActionRemoved   Action = "removed"
)

// Record describes one file action taken while handling an attachment.
type Record struct {
	Action     Action
	Attachment string
	Entry      string
	Path       string
	Modified   time.Time
}

type Options struct {
	Dir    string
	Filter *filter.Filter
}

// Extractor writes attachments into a destination directory and inflates
// archive attachments in place.
type Extractor struct {
	dir    string
	filter *filter.Filter
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) (*Extractor, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("extract dir is empty")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("extract dir: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("extract dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("extract dir %s is not a directory", dir)
	}

	f := opts.Filter
	if f == nil {
		f, err = filter.New(filter.Options{})
		if err != nil {
			return nil, err
		}
	}

	return &Extractor{dir: dir, filter: f, logger: logger}, nil
}

func (e *Extractor) Dir() string {
	return e.dir
}

// Extract saves att as {dir}/{name}. Archives are then inflated entry by
// entry and the container is removed, whatever the outcome.
func (e *Extractor) Extract(ctx context.Context, att model.Attachment, report func(Record)) error {
	if report == nil {
		report = func(Record) {}
	}

	name, err := flatName(att.Name())
	if err != nil {
		return err
	}
	dest := filepath.Join(e.dir, name)

	if e.filter.IsArchive(name) {
		defer e.removeContainer(dest, name, report)
	}

	if err := e.save(ctx, att, dest); err != nil {
		return fmt.Errorf("save attachment %s: %w", name, err)
	}
	if !e.filter.IsArchive(name) {
		report(Record{Action: ActionSaved, Attachment: name, Path: dest})
		return nil
	}

	if err := e.inflate(ctx, dest, name, report); err != nil {
		return fmt.Errorf("inflate %s: %w", name, err)
	}
	return nil
}

func (e *Extractor) save(ctx context.Context, att model.Attachment, dest string) (err error) {
	rc, err := att.Open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	file, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if _, err := io.Copy(file, rc); err != nil {
		return err
	}
	return nil
}

func (e *Extractor) inflate(ctx context.Context, path, container string, report func(Record)) error {
	zr, err := zip.OpenReader(path)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry := model.ArchiveEntry{Name: f.Name, Modified: entryTime(&f.FileHeader), Dir: f.FileInfo().IsDir()}
		target, ok := e.confine(entry.Name)
		if !ok {
			if e.logger != nil {
				e.logger.Warn("archive entry escapes extract dir", "archive", container, "entry", entry.Name)
			}
			report(Record{Action: ActionRejected, Attachment: container, Entry: entry.Name, Modified: entry.Modified})
			continue
		}

		if entry.Dir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", entry.Name, err)
			}
			continue
		}

		newer, err := ShouldExtract(target, entry.Modified)
		if err != nil {
			return fmt.Errorf("stat %s: %w", entry.Name, err)
		}
		if !newer {
			report(Record{Action: ActionSkipped, Attachment: container, Entry: entry.Name, Path: target, Modified: entry.Modified})
			continue
		}

		if err := writeEntry(f, target, entry.Modified); err != nil {
			return fmt.Errorf("extract %s: %w", entry.Name, err)
		}
		report(Record{Action: ActionExtracted, Attachment: container, Entry: entry.Name, Path: target, Modified: entry.Modified})
	}

	return nil
}

// entryTime returns the modification time of an archive entry. Entries with
// only an MS-DOS timestamp carry no zone; archive/zip reads them as UTC, but
// archivers write them in local time.
func entryTime(h *zip.FileHeader) time.Time {
	m := h.Modified
	if m.IsZero() || m.Location() != time.UTC || (h.ModifiedDate == 0 && h.ModifiedTime == 0) {
		return m
	}
	return time.Date(m.Year(), m.Month(), m.Day(), m.Hour(), m.Minute(), m.Second(), m.Nanosecond(), time.Local)
}

// ShouldExtract reports whether an entry modified at modified may replace
// target: only when target is missing or strictly older.
func ShouldExtract(target string, modified time.Time) (bool, error) {
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return modified.After(info.ModTime()), nil
}

func writeEntry(f *zip.File, target string, modified time.Time) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err == nil && !modified.IsZero() {
			err = os.Chtimes(target, modified, modified)
		}
	}()

	if _, err := io.Copy(out, rc); err != nil {
		return err
	}
	return nil
}

// confine maps an entry name into the extract dir. Absolute names and names
// climbing out of the dir are refused.
func (e *Extractor) confine(name string) (string, bool) {
	local := filepath.FromSlash(name)
	if !filepath.IsLocal(local) {
		return "", false
	}
	return filepath.Join(e.dir, local), true
}

func (e *Extractor) removeContainer(dest, name string, report func(Record)) {
	err := os.Remove(dest)
	switch {
	case err == nil:
		report(Record{Action: ActionRemoved, Attachment: name, Path: dest})
	case errors.Is(err, fs.ErrNotExist):
	default:
		if e.logger != nil {
			e.logger.Warn("remove archive container failed", "path", dest, "err", err)
		}
	}
}

func flatName(name string) (string, error) {
	base := filepath.Base(filepath.FromSlash(name))
	switch base {
	case "", ".", "..", string(filepath.Separator):
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}
