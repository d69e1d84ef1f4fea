package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/folder-unzip/folder"
	"github.com/dhcgn/folder-unzip/mimepart"
	"github.com/dhcgn/folder-unzip/model"
)

var (
	ErrNoRoot        = errors.New("mbox root directory not configured")
	ErrNoFolder      = errors.New("no folder listed")
	ErrInvalidItemID = errors.New("message id is not an mbox index")
)

// Subfolders of folder file F live in directory F + subfolderSuffix, as in
// Thunderbird profiles.
const subfolderSuffix = ".sbd"

type Options struct {
	PublicRoot  string
	PrivateRoot string
}

// Store is a mail store over a tree of mbox files. Message ids are the
// zero-based position inside the folder file and stay valid only while no
// other program rewrites it.
type Store struct {
	opts   Options
	logger *slog.Logger
	folder string
}

func Open(opts Options, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(opts.PublicRoot) == "" && strings.TrimSpace(opts.PrivateRoot) == "" {
		return nil, ErrNoRoot
	}
	return &Store{opts: opts, logger: logger}, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Root(ctx context.Context, root folder.Root) (model.FolderHandle, error) {
	if err := ctx.Err(); err != nil {
		return model.FolderHandle{}, err
	}

	dir := s.opts.PublicRoot
	if root == folder.PrivateRoot {
		dir = s.opts.PrivateRoot
	}
	if strings.TrimSpace(dir) == "" {
		return model.FolderHandle{}, fmt.Errorf("%w: %s", ErrNoRoot, root)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return model.FolderHandle{}, fmt.Errorf("mbox root: %w", err)
	}
	if !info.IsDir() {
		return model.FolderHandle{}, fmt.Errorf("mbox root %s is not a directory", dir)
	}
	return model.FolderHandle{Name: filepath.Clean(dir), Delim: filepath.Separator}, nil
}

func (s *Store) FindChildren(ctx context.Context, parent model.FolderHandle, name string, limit int) ([]model.FolderHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := childDir(parent)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read folder dir: %w", err)
	}

	var matches []model.FolderHandle
	for _, entry := range entries {
		if entry.Name() != name || !entry.Type().IsRegular() {
			continue
		}
		matches = append(matches, model.FolderHandle{
			Name:    filepath.Join(dir, entry.Name()),
			Delim:   filepath.Separator,
			Display: name,
		})
		if limit > 0 && len(matches) == limit {
			break
		}
	}
	return matches, nil
}

// childDir maps a handle to the directory holding its subfolders: a root is
// a directory, a folder file F keeps them in F.sbd.
func childDir(h model.FolderHandle) (string, error) {
	info, err := os.Stat(h.Name)
	if err != nil {
		return "", fmt.Errorf("stat folder: %w", err)
	}
	if info.IsDir() {
		return h.Name, nil
	}
	return h.Name + subfolderSuffix, nil
}

func (s *Store) ListItems(ctx context.Context, h model.FolderHandle) ([]model.Item, error) {
	raws, err := readMessages(ctx, h.Name)
	if err != nil {
		return nil, err
	}
	s.folder = h.Name

	items := make([]model.Item, 0, len(raws))
	for idx, raw := range raws {
		id := strconv.Itoa(idx)
		header, _, err := splitMessage(raw)
		if err != nil {
			if s.logger != nil {
				s.logger.Debug("mbox entry is not a message", "folder", h.Name, "index", idx, "err", err)
			}
			items = append(items, model.OtherItem{ID: id, Kind: "unparsable"})
			continue
		}
		items = append(items, model.MailItem{Message: toMessage(id, header)})
	}

	if s.logger != nil {
		s.logger.Debug("mbox folder listed", "folder", h.Name, "items", len(items))
	}
	return items, nil
}

func toMessage(id string, h textproto.Header) model.Message {
	mh := mail.Header{Header: message.Header{Header: h}}
	subject, err := mh.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	received, _ := mh.Date()
	return model.Message{
		ID:         id,
		Subject:    subject,
		ReceivedAt: received,
		Read:       isRead(h),
	}
}

// Read state lives in the Status header ("R") or, for Thunderbird, in bit
// 0x0001 of X-Mozilla-Status.
const mozillaRead = 0x0001

func isRead(h textproto.Header) bool {
	if v := strings.TrimSpace(h.Get("X-Mozilla-Status")); v != "" {
		if flags, err := strconv.ParseUint(v, 16, 32); err == nil {
			return flags&mozillaRead != 0
		}
	}
	return strings.ContainsRune(h.Get("Status"), 'R')
}

func markRead(h *textproto.Header) {
	if v := strings.TrimSpace(h.Get("X-Mozilla-Status")); v != "" {
		if flags, err := strconv.ParseUint(v, 16, 32); err == nil {
			h.Set("X-Mozilla-Status", fmt.Sprintf("%04x", flags|mozillaRead))
		}
	}
	status := h.Get("Status")
	if !strings.ContainsRune(status, 'R') {
		status += "R"
	}
	if !strings.ContainsRune(status, 'O') {
		status += "O"
	}
	h.Set("Status", status)
}

func (s *Store) FetchAttachments(ctx context.Context, msg model.Message) ([]model.Attachment, error) {
	raw, err := s.message(ctx, msg.ID)
	if err != nil {
		return nil, err
	}

	header, body, err := splitMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", msg.ID, err)
	}

	var attachments []model.Attachment
	if err := collectAttachments(header, bytes.NewReader(body), &attachments); err != nil {
		return nil, fmt.Errorf("walk message %s: %w", msg.ID, err)
	}
	return attachments, nil
}

func collectAttachments(h textproto.Header, body io.Reader, out *[]model.Attachment) error {
	mh := message.Header{Header: h}
	mediaType, params, _ := mh.ContentType()
	if strings.HasPrefix(mediaType, "multipart/") {
		mr := textproto.NewMultipartReader(body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := collectAttachments(part.Header, part, out); err != nil {
				return err
			}
		}
	}

	if !mimepart.IsAttachment(h) {
		return nil
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	name := mimepart.Filename(h)
	if name == "" {
		name = fmt.Sprintf("attachment-%d", len(*out)+1)
	}
	*out = append(*out, &attachment{
		name:     name,
		encoding: h.Get("Content-Transfer-Encoding"),
		raw:      raw,
	})
	return nil
}

// MarkRead sets the read status of one message and rewrites the folder file
// through a temp file and rename. The last writer wins.
func (s *Store) MarkRead(ctx context.Context, msg model.Message) error {
	if s.folder == "" {
		return ErrNoFolder
	}
	idx, err := parseIndex(msg.ID)
	if err != nil {
		return err
	}

	raws, err := readMessages(ctx, s.folder)
	if err != nil {
		return err
	}
	if idx >= len(raws) {
		return fmt.Errorf("%w: %s beyond %d messages", ErrInvalidItemID, msg.ID, len(raws))
	}

	header, body, err := splitMessage(raws[idx])
	if err != nil {
		return fmt.Errorf("parse message %s: %w", msg.ID, err)
	}
	if isRead(header) {
		return nil
	}
	markRead(&header)

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	buf.Write(body)
	raws[idx] = buf.Bytes()

	if err := writeMessages(s.folder, raws); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Debug("mbox message marked read", "folder", s.folder, "index", idx)
	}
	return nil
}

func (s *Store) message(ctx context.Context, id string) ([]byte, error) {
	if s.folder == "" {
		return nil, ErrNoFolder
	}
	idx, err := parseIndex(id)
	if err != nil {
		return nil, err
	}
	raws, err := readMessages(ctx, s.folder)
	if err != nil {
		return nil, err
	}
	if idx >= len(raws) {
		return nil, fmt.Errorf("%w: %s beyond %d messages", ErrInvalidItemID, id, len(raws))
	}
	return raws[idx], nil
}

func parseIndex(id string) (int, error) {
	idx, err := strconv.Atoi(id)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidItemID, id)
	}
	return idx, nil
}

func readMessages(ctx context.Context, path string) ([][]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	var raws [][]byte
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return raws, nil
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}
		raws = append(raws, raw)
	}
}

func writeMessages(path string, raws [][]byte) (err error) {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat mbox: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp mbox: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	seps, err := separators(path)
	if err != nil {
		return err
	}
	if len(seps) != len(raws) {
		seps = nil
	}

	writer := mboxlib.NewWriter(tmp)
	for idx, raw := range raws {
		sep := envelopeOf(raw)
		if seps != nil && seps[idx].from != "" {
			sep = seps[idx]
		}
		w, err := writer.CreateMessage(sep.from, sep.date)
		if err != nil {
			return fmt.Errorf("message %d: %w", idx, err)
		}
		// The writer terminates every message itself.
		if _, err := w.Write(trimLineEnding(raw)); err != nil {
			return fmt.Errorf("message %d write: %w", idx, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close mbox writer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp mbox: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp mbox: %w", err)
	}
	if err := os.Chmod(tmp.Name(), info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod temp mbox: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace mbox: %w", err)
	}
	return nil
}

type envelope struct {
	from string
	date time.Time
}

var separatorLayouts = []string{time.ANSIC, time.UnixDate, time.RubyDate}

// separators returns the "From " lines of an mbox file in order. Body lines
// starting with "From " are escaped on write, so every such line at the
// start of a line is a separator. Unparseable lines yield a zero envelope
// that is filled from the message headers.
func separators(path string) ([]envelope, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	var seps []envelope
	br := bufio.NewReader(file)
	for {
		line, err := br.ReadString('\n')
		if strings.HasPrefix(line, "From ") {
			seps = append(seps, parseSeparator(line))
		}
		if errors.Is(err, io.EOF) {
			return seps, nil
		}
		if err != nil {
			return nil, fmt.Errorf("scan mbox separators: %w", err)
		}
	}
}

func parseSeparator(line string) envelope {
	rest := strings.TrimRight(strings.TrimPrefix(line, "From "), "\r\n")
	sp := strings.IndexByte(rest, ' ')
	if sp <= 0 {
		return envelope{}
	}
	value := strings.TrimSpace(rest[sp+1:])
	for _, layout := range separatorLayouts {
		if date, err := time.Parse(layout, value); err == nil {
			return envelope{from: rest[:sp], date: date}
		}
	}
	return envelope{}
}

// envelopeOf rebuilds separator data from the message headers, for files
// whose separator lines could not be matched to their messages.
func envelopeOf(raw []byte) envelope {
	env := envelope{from: "MAILER-DAEMON", date: time.Unix(0, 0).UTC()}

	header, _, err := splitMessage(raw)
	if err != nil {
		return env
	}
	mh := mail.Header{Header: message.Header{Header: header}}
	if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 && addrs[0].Address != "" {
		env.from = addrs[0].Address
	}
	if d, err := mh.Date(); err == nil && !d.IsZero() {
		env.date = d
	}
	return env
}

// trimLineEnding drops the line ending the reader keeps at the end of a
// message, which the writer adds back on its own.
func trimLineEnding(raw []byte) []byte {
	if bytes.HasSuffix(raw, []byte("\r\n")) {
		return raw[:len(raw)-2]
	}
	return bytes.TrimSuffix(raw, []byte("\n"))
}

func splitMessage(raw []byte) (textproto.Header, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return header, body, nil
}

type attachment struct {
	name     string
	encoding string
	raw      []byte
}

func (a *attachment) Name() string {
	return a.name
}

func (a *attachment) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := mimepart.Decode(a.encoding, bytes.NewReader(a.raw))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(body), nil
}
