// Package compose synthesizes an RFC 5322 message from structured draft
// fields. The output is fed back through the ingest parser, so a draft
// create converges to the same stored shape as a raw-blob create.
package compose

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harbormail/jmap-backend/internal/canonical"
)

// Errors returned by Build.
var (
	ErrNoSender = errors.New("draft has no from address")
	ErrNoBody   = errors.New("draft has no text or html body")
)

// Attachment is one attachment to include, with bytes already loaded from
// blob storage by the caller.
type Attachment struct {
	Name string
	Type string
	Data []byte
}

// Draft holds the structured fields of an Email/set create without a blob
// reference.
type Draft struct {
	From        []canonical.Address
	To          []canonical.Address
	CC          []canonical.Address
	BCC         []canonical.Address
	ReplyTo     []canonical.Address
	Subject     string
	TextBody    string
	HTMLBody    string
	InReplyTo   string
	References  []string
	Attachments []Attachment
	Date        time.Time
	// MessageIDDomain is the domain used for the generated Message-Id.
	MessageIDDomain string
}

// Build renders the draft as a single RFC 5322 document:
// text/plain or text/html when only one body is given,
// multipart/alternative when both are, and the whole thing wrapped in
// multipart/mixed when attachments are present.
func Build(d *Draft) ([]byte, error) {
	if len(d.From) == 0 {
		return nil, ErrNoSender
	}
	if d.TextBody == "" && d.HTMLBody == "" {
		return nil, ErrNoBody
	}

	var buf bytes.Buffer

	date := d.Date
	if date.IsZero() {
		date = time.Now()
	}
	domain := d.MessageIDDomain
	if domain == "" {
		domain = domainOf(d.From[0].Email)
	}

	writeHeader(&buf, "From", formatAddressList(d.From))
	if len(d.To) > 0 {
		writeHeader(&buf, "To", formatAddressList(d.To))
	}
	if len(d.CC) > 0 {
		writeHeader(&buf, "Cc", formatAddressList(d.CC))
	}
	if len(d.BCC) > 0 {
		writeHeader(&buf, "Bcc", formatAddressList(d.BCC))
	}
	if len(d.ReplyTo) > 0 {
		writeHeader(&buf, "Reply-To", formatAddressList(d.ReplyTo))
	}
	if d.Subject != "" {
		writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", d.Subject))
	}
	writeHeader(&buf, "Date", date.UTC().Format(time.RFC1123Z))
	writeHeader(&buf, "Message-Id", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain))
	if d.InReplyTo != "" {
		writeHeader(&buf, "In-Reply-To", d.InReplyTo)
	}
	if len(d.References) > 0 {
		writeHeader(&buf, "References", strings.Join(d.References, " "))
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	if len(d.Attachments) > 0 {
		return buildMixed(&buf, d)
	}

	if err := writeBodies(&buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBodies writes the body headers and content for a draft without
// attachments: a single text part, or multipart/alternative for both.
func writeBodies(buf *bytes.Buffer, d *Draft) error {
	if d.TextBody != "" && d.HTMLBody == "" {
		writeHeader(buf, "Content-Type", `text/plain; charset="utf-8"`)
		buf.WriteString("\r\n")
		writeNormalized(buf, d.TextBody)
		return nil
	}
	if d.HTMLBody != "" && d.TextBody == "" {
		writeHeader(buf, "Content-Type", `text/html; charset="utf-8"`)
		buf.WriteString("\r\n")
		writeNormalized(buf, d.HTMLBody)
		return nil
	}

	mw := multipart.NewWriter(buf)
	writeHeader(buf, "Content-Type", `multipart/alternative; boundary="`+mw.Boundary()+`"`)
	buf.WriteString("\r\n")
	if err := writeAlternative(mw, d); err != nil {
		return err
	}
	return mw.Close()
}

// buildMixed wraps the bodies and attachments in multipart/mixed.
func buildMixed(buf *bytes.Buffer, d *Draft) ([]byte, error) {
	mw := multipart.NewWriter(buf)
	writeHeader(buf, "Content-Type", `multipart/mixed; boundary="`+mw.Boundary()+`"`)
	buf.WriteString("\r\n")

	// Body part(s) first.
	switch {
	case d.TextBody != "" && d.HTMLBody != "":
		var inner bytes.Buffer
		iw := multipart.NewWriter(&inner)
		if err := writeAlternative(iw, d); err != nil {
			return nil, err
		}
		if err := iw.Close(); err != nil {
			return nil, err
		}
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {`multipart/alternative; boundary="` + iw.Boundary() + `"`},
		})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write(inner.Bytes()); err != nil {
			return nil, err
		}
	case d.TextBody != "":
		if err := writeTextPart(mw, "text/plain", d.TextBody); err != nil {
			return nil, err
		}
	default:
		if err := writeTextPart(mw, "text/html", d.HTMLBody); err != nil {
			return nil, err
		}
	}

	for _, att := range d.Attachments {
		contentType := att.Type
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header := textproto.MIMEHeader{
			"Content-Type":              {contentType},
			"Content-Transfer-Encoding": {"base64"},
		}
		if att.Name != "" {
			header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Name))
		} else {
			header.Set("Content-Disposition", "attachment")
		}
		pw, err := mw.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if err := writeBase64(pw, att.Data); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAlternative(mw *multipart.Writer, d *Draft) error {
	// Plain first, HTML last: clients prefer the last part they support.
	if err := writeTextPart(mw, "text/plain", d.TextBody); err != nil {
		return err
	}
	return writeTextPart(mw, "text/html", d.HTMLBody)
}

func writeTextPart(mw *multipart.Writer, contentType, body string) error {
	pw, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {contentType + `; charset="utf-8"`},
	})
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	writeNormalized(&buf, body)
	_, err = pw.Write(buf.Bytes())
	return err
}

// writeNormalized writes body text with CRLF line endings.
func writeNormalized(buf *bytes.Buffer, s string) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, line := range strings.Split(s, "\n") {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
}

func writeBase64(w interface{ Write([]byte) (int, error) }, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	// 76-char lines per RFC 2045.
	for len(encoded) > 0 {
		n := min(76, len(encoded))
		if _, err := w.Write([]byte(encoded[:n] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func formatAddressList(addrs []canonical.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		if a.Name != "" {
			parts[i] = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", a.Name), a.Email)
		} else {
			parts[i] = a.Email
		}
	}
	return strings.Join(parts, ", ")
}

func domainOf(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 && at+1 < len(email) {
		return email[at+1:]
	}
	return "localhost"
}
