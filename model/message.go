package model

import (
	"context"
	"io"
	"strings"
	"time"
)

// FolderPath is a folder location split into its non-empty segments.
type FolderPath []string

// ParseFolderPath splits a slash-delimited path and drops empty segments.
func ParseFolderPath(path string) FolderPath {
	var segments FolderPath
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}
		segments = append(segments, segment)
	}
	return segments
}

func (p FolderPath) String() string {
	return strings.Join(p, "/")
}

// FolderHandle identifies a resolved folder within one store session.
type FolderHandle struct {
	// Name is the store-specific full name (IMAP mailbox name, mbox file path).
	Name string
	// Delim is the hierarchy delimiter used below this folder, zero if the
	// store has no flat naming.
	Delim rune
	// Display is the segment name the folder was found by.
	Display string
}

// Item is one entry of a folder listing. MailItem is the only kind that
// gets processed; every other kind is an OtherItem.
type Item interface {
	item()
}

// MailItem wraps a mail message found in a folder.
type MailItem struct {
	Message Message
}

// OtherItem is any listing entry that is not a mail message.
type OtherItem struct {
	ID   string
	Kind string
}

func (MailItem) item()  {}
func (OtherItem) item() {}

// Message represents a mail item from the shallow listing. Attachments are
// not part of the listing and are fetched separately.
type Message struct {
	ID         string
	Subject    string
	ReceivedAt time.Time
	Read       bool
}

// Attachment is a file attached to a message. The content is only
// transferred when Open is called.
type Attachment interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// ArchiveEntry describes a file inside an archive container.
type ArchiveEntry struct {
	Name     string
	Modified time.Time
	Dir      bool
}
