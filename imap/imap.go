package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/dhcgn/folder-unzip/folder"
	"github.com/dhcgn/folder-unzip/mimepart"
	"github.com/dhcgn/folder-unzip/model"
)

var (
	ErrNoPublicRoot  = errors.New("server announces no shared namespace, set --public-root")
	ErrNoMailbox     = errors.New("no mailbox selected")
	ErrInvalidItemID = errors.New("message id is not an imap uid")
)

const (
	AuthLogin = "login"
	AuthPlain = "plain"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Auth               string
	UseTLS             bool
	InsecureSkipVerify bool
	// PublicRoot overrides the shared namespace announced by NAMESPACE.
	PublicRoot string
}

// Store is a mail store backed by one IMAP session.
type Store struct {
	opts    Options
	client  *imapclient.Client
	cleanup func()
	logger  *slog.Logger
	mailbox string
}

// Dial connects, authenticates and returns a ready Store. The connection is
// closed when ctx is done.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	s := &Store{opts: opts, logger: logger}
	client, cleanup, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.cleanup = cleanup
	return s, nil
}

func (s *Store) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := s.authenticate(client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "auth", s.auth(), "tls", s.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if s.logger != nil {
					s.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (s *Store) auth() string {
	if s.opts.Auth == "" {
		return AuthLogin
	}
	return strings.ToLower(s.opts.Auth)
}

func (s *Store) authenticate(client *imapclient.Client) error {
	switch s.auth() {
	case AuthLogin:
		if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
			return fmt.Errorf("imap login failed: %w", err)
		}
	case AuthPlain:
		if err := client.Authenticate(sasl.NewPlainClient("", s.opts.Username, s.opts.Password)); err != nil {
			return fmt.Errorf("imap authenticate PLAIN failed: %w", err)
		}
	default:
		return fmt.Errorf("unsupported imap auth %q", s.opts.Auth)
	}
	return nil
}

func (s *Store) Close() error {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
	return nil
}

// Root binds the public root (first shared namespace or PublicRoot) or the
// personal namespace.
func (s *Store) Root(ctx context.Context, root folder.Root) (model.FolderHandle, error) {
	if err := ctx.Err(); err != nil {
		return model.FolderHandle{}, err
	}

	if root == folder.PublicRoot && s.opts.PublicRoot != "" {
		delim, err := s.delimiter()
		if err != nil {
			return model.FolderHandle{}, err
		}
		return model.FolderHandle{Name: s.opts.PublicRoot, Delim: delim}, nil
	}

	var ns *imapv2.NamespaceData
	if s.client.Caps().Has(imapv2.CapNamespace) {
		data, err := s.client.Namespace().Wait()
		if err != nil {
			return model.FolderHandle{}, fmt.Errorf("imap namespace: %w", err)
		}
		ns = data
	}

	if root == folder.PublicRoot {
		if ns == nil || len(ns.Shared) == 0 {
			return model.FolderHandle{}, ErrNoPublicRoot
		}
		return model.FolderHandle{Name: ns.Shared[0].Prefix, Delim: ns.Shared[0].Delim}, nil
	}

	if ns != nil && len(ns.Personal) > 0 {
		return model.FolderHandle{Name: ns.Personal[0].Prefix, Delim: ns.Personal[0].Delim}, nil
	}
	delim, err := s.delimiter()
	if err != nil {
		return model.FolderHandle{}, err
	}
	return model.FolderHandle{Delim: delim}, nil
}

// delimiter asks the server for its hierarchy delimiter (LIST "" "").
func (s *Store) delimiter() (rune, error) {
	data, err := s.client.List("", "", nil).Collect()
	if err != nil {
		return 0, fmt.Errorf("imap list delimiter: %w", err)
	}
	for _, d := range data {
		if d.Delim != 0 {
			return d.Delim, nil
		}
	}
	return '/', nil
}

func (s *Store) FindChildren(ctx context.Context, parent model.FolderHandle, name string, limit int) ([]model.FolderHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := childPrefix(parent)
	data, err := s.client.List("", prefix+"%", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap list %s: %w", prefix, err)
	}

	var matches []model.FolderHandle
	for _, d := range data {
		if displayName(d.Mailbox, prefix) != name {
			continue
		}
		delim := d.Delim
		if delim == 0 {
			delim = parent.Delim
		}
		matches = append(matches, model.FolderHandle{Name: d.Mailbox, Delim: delim, Display: name})
		if limit > 0 && len(matches) == limit {
			break
		}
	}
	return matches, nil
}

func childPrefix(h model.FolderHandle) string {
	if h.Name == "" || h.Delim == 0 || strings.HasSuffix(h.Name, string(h.Delim)) {
		return h.Name
	}
	return h.Name + string(h.Delim)
}

func displayName(mailbox, prefix string) string {
	if !strings.HasPrefix(mailbox, prefix) {
		return ""
	}
	return mailbox[len(prefix):]
}

// ListItems selects the folder and returns every message in it with flags
// and envelope only. Attachments are fetched by FetchAttachments.
func (s *Store) ListItems(ctx context.Context, h model.FolderHandle) ([]model.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := s.client.Select(h.Name, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap select %s: %w", h.Name, err)
	}
	s.mailbox = h.Name

	if s.logger != nil {
		s.logger.Debug("imap mailbox selected", "mailbox", h.Name, "messages", data.NumMessages)
	}
	if data.NumMessages == 0 {
		return nil, nil
	}

	var seqSet imapv2.SeqSet
	seqSet.AddRange(1, data.NumMessages)
	msgs, err := s.client.Fetch(seqSet, &imapv2.FetchOptions{
		UID:          true,
		Flags:        true,
		Envelope:     true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w", h.Name, err)
	}

	items := make([]model.Item, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, toItem(m))
	}
	return items, nil
}

func toItem(m *imapclient.FetchMessageBuffer) model.Item {
	id := strconv.FormatUint(uint64(m.UID), 10)
	if hasFlag(m.Flags, imapv2.FlagDraft) {
		return model.OtherItem{ID: id, Kind: "draft"}
	}

	msg := model.Message{
		ID:         id,
		ReceivedAt: m.InternalDate,
		Read:       hasFlag(m.Flags, imapv2.FlagSeen),
	}
	if m.Envelope != nil {
		msg.Subject = m.Envelope.Subject
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = m.Envelope.Date
		}
	}
	return model.MailItem{Message: msg}
}

func hasFlag(flags []imapv2.Flag, want imapv2.Flag) bool {
	for _, f := range flags {
		if strings.EqualFold(string(f), string(want)) {
			return true
		}
	}
	return false
}

func parseUID(id string) (imapv2.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidItemID, id)
	}
	return imapv2.UID(n), nil
}

type partInfo struct {
	path     []int
	filename string
	encoding string
}

// attachmentParts lists the leaf parts that are file attachments. Embedded
// messages count as one attachment and are not descended into.
func attachmentParts(bs imapv2.BodyStructure) []partInfo {
	var parts []partInfo
	if bs == nil {
		return parts
	}
	bs.Walk(func(path []int, part imapv2.BodyStructure) bool {
		single, ok := part.(*imapv2.BodyStructureSinglePart)
		if !ok {
			return true
		}
		name := single.Filename()
		disposed := false
		if d := single.Disposition(); d != nil && strings.EqualFold(d.Value, "attachment") {
			disposed = true
		}
		if name != "" || disposed {
			parts = append(parts, partInfo{
				path:     append([]int(nil), path...),
				filename: name,
				encoding: single.Encoding,
			})
		}
		return false
	})
	return parts
}

// FetchAttachments is the second fetch of a message: BODYSTRUCTURE plus the
// MIME header of each attachment part. Part bodies stay on the server until
// an attachment is opened.
func (s *Store) FetchAttachments(ctx context.Context, msg model.Message) ([]model.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.mailbox == "" {
		return nil, ErrNoMailbox
	}
	uid, err := parseUID(msg.ID)
	if err != nil {
		return nil, err
	}

	bufs, err := s.client.Fetch(imapv2.UIDSetNum(uid), &imapv2.FetchOptions{
		UID:           true,
		BodyStructure: &imapv2.FetchItemBodyStructure{Extended: true},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch bodystructure uid %d: %w", uid, err)
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("imap fetch bodystructure uid %d: message vanished", uid)
	}

	parts := attachmentParts(bufs[0].BodyStructure)
	if len(parts) == 0 {
		return nil, nil
	}

	sections := make([]*imapv2.FetchItemBodySection, len(parts))
	for i, p := range parts {
		sections[i] = &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierMIME, Part: p.path, Peek: true}
	}
	headers, err := s.client.Fetch(imapv2.UIDSetNum(uid), &imapv2.FetchOptions{
		UID:         true,
		BodySection: sections,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch part headers uid %d: %w", uid, err)
	}

	attachments := make([]model.Attachment, 0, len(parts))
	for i, p := range parts {
		name := p.filename
		if len(headers) > 0 {
			if raw := headers[0].FindBodySection(sections[i]); len(raw) > 0 {
				if h, err := mimepart.ParseHeader(raw); err == nil {
					if decoded := mimepart.Filename(h); decoded != "" {
						name = decoded
					}
				}
			}
		}
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}
		attachments = append(attachments, &attachment{
			store:    s,
			uid:      uid,
			part:     p.path,
			name:     name,
			encoding: p.encoding,
		})
	}
	return attachments, nil
}

// MarkRead adds \Seen. STORE +FLAGS is idempotent, so a concurrent change by
// another client merges instead of conflicting.
func (s *Store) MarkRead(ctx context.Context, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.mailbox == "" {
		return ErrNoMailbox
	}
	uid, err := parseUID(msg.ID)
	if err != nil {
		return err
	}

	err = s.client.Store(imapv2.UIDSetNum(uid), &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("imap store \\Seen uid %d: %w", uid, err)
	}
	return nil
}

type attachment struct {
	store    *Store
	uid      imapv2.UID
	part     []int
	name     string
	encoding string
}

func (a *attachment) Name() string {
	return a.name
}

// Open downloads the part body and undoes its transfer encoding.
func (a *attachment) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	section := &imapv2.FetchItemBodySection{Part: a.part, Peek: true}
	bufs, err := a.store.client.Fetch(imapv2.UIDSetNum(a.uid), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch part %v uid %d: %w", a.part, a.uid, err)
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("imap fetch part %v uid %d: message vanished", a.part, a.uid)
	}

	body, err := mimepart.Decode(a.encoding, bytes.NewReader(bufs[0].FindBodySection(section)))
	if err != nil {
		return nil, err
	}
	return io.NopCloser(body), nil
}
