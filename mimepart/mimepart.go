// Package mimepart holds the MIME helpers shared by the mail stores: telling
// attachment parts apart, decoding their file names and undoing the
// transfer encoding without touching the payload's charset.
package mimepart

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// ParseHeader reads a raw MIME header block.
func ParseHeader(raw []byte) (textproto.Header, error) {
	return textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
}

// Filename returns the decoded file name of a part, or "" if the part
// carries none.
func Filename(h textproto.Header) string {
	ah := mail.AttachmentHeader{Header: message.Header{Header: h}}
	name, err := ah.Filename()
	if err != nil && name == "" {
		return ""
	}
	return name
}

// IsAttachment reports whether a non-multipart part is a file attachment:
// explicitly disposed as one, or carrying a file name.
func IsAttachment(h textproto.Header) bool {
	mh := message.Header{Header: h}
	if mediaType, _, _ := mh.ContentType(); strings.HasPrefix(mediaType, "multipart/") {
		return false
	}
	if disp, _, err := mh.ContentDisposition(); err == nil && disp == "attachment" {
		return true
	}
	return Filename(h) != ""
}

// Decode undoes a Content-Transfer-Encoding. Charset parameters are ignored
// so attachment bytes come out exactly as sent.
func Decode(encoding string, body io.Reader) (io.Reader, error) {
	encoding = strings.TrimSpace(encoding)
	if encoding == "" {
		return body, nil
	}

	var h message.Header
	h.Set("Content-Transfer-Encoding", encoding)
	entity, err := message.New(h, body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", encoding, err)
	}
	return entity.Body, nil
}
