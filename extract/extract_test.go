package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type memAttachment struct {
	name    string
	data    []byte
	openErr error
	opened  int
}

func (m *memAttachment) Name() string { return m.name }

func (m *memAttachment) Open(ctx context.Context) (io.ReadCloser, error) {
	m.opened++
	if m.openErr != nil {
		return nil, m.openErr
	}
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

type zipEntry struct {
	name     string
	body     string
	modified time.Time
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: e.modified})
		if err != nil {
			t.Fatalf("zip create %s: %v", e.name, err)
		}
		if _, err := io.WriteString(w, e.body); err != nil {
			t.Fatalf("zip write %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func newExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := New(Options{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func assertMissing(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected %s to be absent, stat err = %v", path, err)
	}
}

var (
	t1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 3, 2, 11, 30, 0, 0, time.UTC)
)

func collect(records *[]Record) func(Record) {
	return func(r Record) { *records = append(*records, r) }
}

func countActions(records []Record, action Action) int {
	n := 0
	for _, r := range records {
		if r.Action == action {
			n++
		}
	}
	return n
}

func TestExtract_ArchiveIntoEmptyDir(t *testing.T) {
	e := newExtractor(t)
	att := &memAttachment{name: "data.zip", data: buildZip(t,
		zipEntry{name: "a.txt", body: "alpha", modified: t1},
		zipEntry{name: "b/c.txt", body: "charlie", modified: t2},
	)}

	var records []Record
	if err := e.Extract(context.Background(), att, collect(&records)); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if got := readFile(t, filepath.Join(e.Dir(), "a.txt")); got != "alpha" {
		t.Errorf("a.txt = %q, want %q", got, "alpha")
	}
	if got := readFile(t, filepath.Join(e.Dir(), "b", "c.txt")); got != "charlie" {
		t.Errorf("b/c.txt = %q, want %q", got, "charlie")
	}
	assertMissing(t, filepath.Join(e.Dir(), "data.zip"))

	info, err := os.Stat(filepath.Join(e.Dir(), "a.txt"))
	if err != nil {
		t.Fatalf("stat a.txt: %v", err)
	}
	if !info.ModTime().Equal(t1) {
		t.Errorf("a.txt mtime = %v, want %v", info.ModTime(), t1)
	}

	if n := countActions(records, ActionExtracted); n != 2 {
		t.Errorf("extracted records = %d, want 2", n)
	}
	if n := countActions(records, ActionRemoved); n != 1 {
		t.Errorf("removed records = %d, want 1", n)
	}
}

func TestExtract_NewerExistingFileKept(t *testing.T) {
	e := newExtractor(t)
	existing := filepath.Join(e.Dir(), "a.txt")
	if err := os.WriteFile(existing, []byte("local edit"), 0o644); err != nil {
		t.Fatal(err)
	}
	newer := t1.Add(time.Hour)
	if err := os.Chtimes(existing, newer, newer); err != nil {
		t.Fatal(err)
	}

	att := &memAttachment{name: "data.zip", data: buildZip(t,
		zipEntry{name: "a.txt", body: "alpha", modified: t1},
		zipEntry{name: "b/c.txt", body: "charlie", modified: t2},
	)}

	var records []Record
	if err := e.Extract(context.Background(), att, collect(&records)); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if got := readFile(t, existing); got != "local edit" {
		t.Errorf("a.txt = %q, want original content", got)
	}
	if got := readFile(t, filepath.Join(e.Dir(), "b", "c.txt")); got != "charlie" {
		t.Errorf("b/c.txt = %q, want %q", got, "charlie")
	}
	assertMissing(t, filepath.Join(e.Dir(), "data.zip"))
	if n := countActions(records, ActionSkipped); n != 1 {
		t.Errorf("skipped records = %d, want 1", n)
	}
}

func TestExtract_OlderExistingFileReplaced(t *testing.T) {
	e := newExtractor(t)
	existing := filepath.Join(e.Dir(), "a.txt")
	if err := os.WriteFile(existing, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	older := t1.Add(-time.Hour)
	if err := os.Chtimes(existing, older, older); err != nil {
		t.Fatal(err)
	}

	att := &memAttachment{name: "DATA.ZIP", data: buildZip(t, zipEntry{name: "a.txt", body: "alpha", modified: t1})}
	if err := e.Extract(context.Background(), att, nil); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got := readFile(t, existing); got != "alpha" {
		t.Errorf("a.txt = %q, want %q", got, "alpha")
	}
	assertMissing(t, filepath.Join(e.Dir(), "DATA.ZIP"))
}

func TestExtract_SecondRunWritesNothing(t *testing.T) {
	e := newExtractor(t)
	data := buildZip(t,
		zipEntry{name: "a.txt", body: "alpha", modified: t1},
		zipEntry{name: "b/c.txt", body: "charlie", modified: t2},
	)

	if err := e.Extract(context.Background(), &memAttachment{name: "data.zip", data: data}, nil); err != nil {
		t.Fatalf("first Extract() error = %v", err)
	}

	var records []Record
	if err := e.Extract(context.Background(), &memAttachment{name: "data.zip", data: data}, collect(&records)); err != nil {
		t.Fatalf("second Extract() error = %v", err)
	}
	if n := countActions(records, ActionExtracted); n != 0 {
		t.Errorf("second run extracted %d entries, want 0", n)
	}
	if n := countActions(records, ActionSkipped); n != 2 {
		t.Errorf("second run skipped %d entries, want 2", n)
	}
}

func TestExtract_NonArchiveRetained(t *testing.T) {
	e := newExtractor(t)
	payload := []byte{0xff, 0xd8, 0xff, 0xe0, 'J', 'F', 'I', 'F'}

	var records []Record
	if err := e.Extract(context.Background(), &memAttachment{name: "photo.jpg", data: payload}, collect(&records)); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if got := readFile(t, filepath.Join(e.Dir(), "photo.jpg")); got != string(payload) {
		t.Errorf("photo.jpg = %q, want verbatim payload", got)
	}
	if len(records) != 1 || records[0].Action != ActionSaved {
		t.Errorf("records = %+v, want one saved record", records)
	}
}

func TestExtract_OverwritesExistingAttachment(t *testing.T) {
	e := newExtractor(t)
	dest := filepath.Join(e.Dir(), "notes.txt")
	if err := os.WriteFile(dest, []byte("a much longer previous content"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := e.Extract(context.Background(), &memAttachment{name: "notes.txt", data: []byte("short")}, nil); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got := readFile(t, dest); got != "short" {
		t.Errorf("notes.txt = %q, want %q", got, "short")
	}
}

func TestExtract_FlattensAttachmentName(t *testing.T) {
	e := newExtractor(t)
	if err := e.Extract(context.Background(), &memAttachment{name: "../nested/dir/report.csv", data: []byte("x")}, nil); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got := readFile(t, filepath.Join(e.Dir(), "report.csv")); got != "x" {
		t.Errorf("report.csv = %q", got)
	}
}

func TestExtract_InvalidName(t *testing.T) {
	e := newExtractor(t)
	for _, name := range []string{"", "..", "/"} {
		err := e.Extract(context.Background(), &memAttachment{name: name}, nil)
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("Extract(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestExtract_CorruptArchiveIsRemoved(t *testing.T) {
	e := newExtractor(t)
	err := e.Extract(context.Background(), &memAttachment{name: "broken.zip", data: []byte("not a zip at all")}, nil)
	if err == nil {
		t.Fatal("Extract() error = nil, want error for corrupt archive")
	}
	assertMissing(t, filepath.Join(e.Dir(), "broken.zip"))
}

func TestExtract_OpenErrorPropagates(t *testing.T) {
	e := newExtractor(t)
	errFetch := errors.New("fetch failed")
	err := e.Extract(context.Background(), &memAttachment{name: "data.zip", openErr: errFetch}, nil)
	if !errors.Is(err, errFetch) {
		t.Fatalf("Extract() error = %v, want %v", err, errFetch)
	}
	assertMissing(t, filepath.Join(e.Dir(), "data.zip"))
}

func TestExtract_RejectsEscapingEntries(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "drop")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	e, err := New(Options{Dir: dir}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	att := &memAttachment{name: "evil.zip", data: buildZip(t,
		zipEntry{name: "../escaped.txt", body: "nope", modified: t1},
		zipEntry{name: "/abs.txt", body: "nope", modified: t1},
		zipEntry{name: "ok/../fine.txt", body: "yes", modified: t1},
	)}

	var records []Record
	if err := e.Extract(context.Background(), att, collect(&records)); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	assertMissing(t, filepath.Join(parent, "escaped.txt"))
	if got := readFile(t, filepath.Join(dir, "fine.txt")); got != "yes" {
		t.Errorf("fine.txt = %q, want %q", got, "yes")
	}
	if n := countActions(records, ActionRejected); n != 2 {
		t.Errorf("rejected records = %d, want 2", n)
	}
}

func TestExtract_DirectoryEntries(t *testing.T) {
	e := newExtractor(t)
	att := &memAttachment{name: "tree.zip", data: buildZip(t,
		zipEntry{name: "empty/", modified: t1},
		zipEntry{name: "full/x.txt", body: "x", modified: t1},
	)}
	if err := e.Extract(context.Background(), att, nil); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(e.Dir(), "empty"))
	if err != nil || !info.IsDir() {
		t.Errorf("expected directory for empty/, err = %v", err)
	}
}

func TestExtract_CanceledContext(t *testing.T) {
	e := newExtractor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	att := &memAttachment{name: "data.zip", data: buildZip(t, zipEntry{name: "a.txt", body: "alpha", modified: t1})}
	if err := e.Extract(ctx, att, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Extract() error = %v, want context.Canceled", err)
	}
	assertMissing(t, filepath.Join(e.Dir(), "a.txt"))
	assertMissing(t, filepath.Join(e.Dir(), "data.zip"))
}

func TestNew_MissingDir(t *testing.T) {
	if _, err := New(Options{Dir: filepath.Join(t.TempDir(), "missing")}, nil); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("New() error = %v, want ErrNotExist", err)
	}
}

func dosOnlyZip(t *testing.T, name, body string, local time.Time) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fh := &zip.FileHeader{
		Name:         name,
		Method:       zip.Store,
		ModifiedDate: uint16((local.Year()-1980)<<9 | int(local.Month())<<5 | local.Day()),
		ModifiedTime: uint16(local.Hour()<<11 | local.Minute()<<5 | local.Second()/2),
	}
	w, err := zw.CreateHeader(fh)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtract_DOSTimestampIsLocalTime(t *testing.T) {
	prev := time.Local
	time.Local = time.FixedZone("UTC+2", 2*60*60)
	t.Cleanup(func() { time.Local = prev })

	e := newExtractor(t)
	existing := filepath.Join(e.Dir(), "a.txt")
	if err := os.WriteFile(existing, []byte("local edit"), 0o644); err != nil {
		t.Fatal(err)
	}
	// 09:00 UTC is 11:00 local, later than the entry's 10:00 local.
	written := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := os.Chtimes(existing, written, written); err != nil {
		t.Fatal(err)
	}

	entryLocal := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	att := &memAttachment{name: "data.zip", data: dosOnlyZip(t, "a.txt", "alpha", entryLocal)}
	if err := e.Extract(context.Background(), att, nil); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got := readFile(t, existing); got != "local edit" {
		t.Errorf("a.txt = %q, older archive entry replaced a newer file", got)
	}

	fresh := newExtractor(t)
	if err := fresh.Extract(context.Background(), &memAttachment{name: "data.zip", data: dosOnlyZip(t, "a.txt", "alpha", entryLocal)}, nil); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(fresh.Dir(), "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(entryLocal) {
		t.Errorf("a.txt mtime = %v, want %v", info.ModTime().UTC(), entryLocal.UTC())
	}
}

func TestEntryTime(t *testing.T) {
	withZone := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("", 0))
	if got := entryTime(&zip.FileHeader{Modified: withZone, ModifiedDate: 1, ModifiedTime: 1}); !got.Equal(withZone) {
		t.Errorf("entryTime(extended) = %v, want %v", got, withZone)
	}
	if got := entryTime(&zip.FileHeader{}); !got.IsZero() {
		t.Errorf("entryTime(zero) = %v, want zero", got)
	}
}
