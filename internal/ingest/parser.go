// Package ingest parses raw RFC 5322 messages into canonical form: header
// extraction, MIME tree walking with dotted part ids, attachment hashing,
// and preview generation. Both inbound delivery and draft creation feed
// through here so every message converges to the same stored shape.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/charset"
	"github.com/harbormail/jmap-backend/internal/htmlstrip"
)

const maxPreview = 256

// Result is the output of parsing one raw message.
type Result struct {
	Message *canonical.Message
	// AttachmentData holds the decoded bytes of each blob-worthy part,
	// keyed by blob ID (sha-256 of the bytes), for the caller to persist.
	AttachmentData map[string][]byte
}

// ParseRawEmail parses raw message bytes into a canonical message. The
// ingest ID is the sha-256 of the raw bytes, so identical deliveries map to
// the same canonical row.
func ParseRawEmail(data []byte) (*Result, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	sum := sha256.Sum256(data)
	ingestID := hex.EncodeToString(sum[:])

	out := &canonical.Message{
		IngestID:  ingestID,
		RawBlobID: ingestID,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}

	out.Subject = decodeHeader(msg.Header.Get("Subject"))
	out.From = parseAddressList(msg.Header.Get("From"))
	out.Sender = parseAddressList(msg.Header.Get("Sender"))
	out.To = parseAddressList(msg.Header.Get("To"))
	out.CC = parseAddressList(msg.Header.Get("Cc"))
	out.BCC = parseAddressList(msg.Header.Get("Bcc"))
	out.ReplyTo = parseAddressList(msg.Header.Get("Reply-To"))

	if dateStr := msg.Header.Get("Date"); dateStr != "" {
		if t, err := mail.ParseDate(dateStr); err == nil {
			out.SentAt = t.UTC()
		}
	}

	if msgID := msg.Header.Get("Message-Id"); msgID != "" {
		out.MessageID = []string{strings.TrimSpace(msgID)}
	}
	if inReplyTo := msg.Header.Get("In-Reply-To"); inReplyTo != "" {
		out.InReplyTo = parseMessageIDList(inReplyTo)
	}
	if refs := msg.Header.Get("References"); refs != "" {
		out.References = parseMessageIDList(refs)
	}

	bodyBytes, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	walker := &structureWalker{attachmentData: make(map[string][]byte)}
	root := walker.walk(partInput{
		header: mail.Header(msg.Header),
		body:   bodyBytes,
		partID: "1",
	})

	out.BodyStructure = root
	out.Attachments = walker.attachments
	out.HasAttachment = len(walker.attachments) > 0
	collectBodies(out, &out.BodyStructure)
	out.Preview = walker.preview

	return &Result{Message: out, AttachmentData: walker.attachmentData}, nil
}

// partInput is one MIME part before classification.
type partInput struct {
	header mail.Header
	body   []byte
	partID string
}

type structureWalker struct {
	attachments    []canonical.Attachment
	attachmentData map[string][]byte
	preview        string
}

// walk classifies a part and recurses into multiparts, assigning dotted
// part ids ("1", "1.2", ...).
func (w *structureWalker) walk(in partInput) canonical.BodyPart {
	contentType := in.header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
		params = nil
	}

	part := canonical.BodyPart{
		PartID: in.partID,
		Type:   mediaType,
		Size:   int64(len(in.body)),
	}
	if cs, ok := params["charset"]; ok {
		part.Charset = cs
	}

	disposition, dispParams := parseDisposition(in.header.Get("Content-Disposition"))
	part.Disposition = disposition
	if filename, ok := dispParams["filename"]; ok {
		part.Name = decodeHeader(filename)
	}
	if part.Name == "" {
		if name, ok := params["name"]; ok {
			part.Name = decodeHeader(name)
		}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary, ok := params["boundary"]
		if !ok {
			return part
		}
		mr := multipart.NewReader(bytes.NewReader(in.body), boundary)
		child := 0
		for {
			p, err := mr.NextPart()
			if err != nil {
				break
			}
			childBody, err := io.ReadAll(p)
			if err != nil {
				continue
			}
			child++
			sub := w.walk(partInput{
				header: mail.Header(p.Header),
				body:   childBody,
				partID: fmt.Sprintf("%s.%d", in.partID, child),
			})
			part.SubParts = append(part.SubParts, sub)
		}
		return part
	}

	decoded := decodeTransferEncoding(in.body, in.header.Get("Content-Transfer-Encoding"))

	if isBlobWorthy(mediaType, disposition) {
		sum := sha256.Sum256(decoded)
		blobID := hex.EncodeToString(sum[:])
		part.BlobID = blobID
		part.Size = int64(len(decoded))
		w.attachmentData[blobID] = decoded
		w.attachments = append(w.attachments, canonical.Attachment{
			PartID:      in.partID,
			BlobID:      blobID,
			Type:        mediaType,
			Name:        part.Name,
			Size:        int64(len(decoded)),
			Disposition: disposition,
		})
		return part
	}

	// Inline text part: capture the first usable preview text.
	if w.preview == "" {
		w.preview = previewText(decoded, mediaType, part.Charset)
	}

	return part
}

// isBlobWorthy reports whether a leaf part's bytes get their own blob.
// Plain and HTML text bodies stay inline unless explicitly marked as
// attachments; everything else is content addressed.
func isBlobWorthy(mediaType, disposition string) bool {
	if disposition == "attachment" {
		return true
	}
	return mediaType != "text/plain" && mediaType != "text/html"
}

// collectBodies records which leaf part ids serve as text and HTML bodies.
func collectBodies(msg *canonical.Message, part *canonical.BodyPart) {
	if strings.HasPrefix(part.Type, "multipart/") {
		for i := range part.SubParts {
			collectBodies(msg, &part.SubParts[i])
		}
		return
	}
	if part.Disposition == "attachment" {
		return
	}
	switch part.Type {
	case "text/plain":
		msg.TextBody = append(msg.TextBody, part.PartID)
	case "text/html":
		msg.HTMLBody = append(msg.HTMLBody, part.PartID)
	}
}

// previewText produces the trimmed preview for a text part, stripping HTML
// and decoding the declared charset.
func previewText(body []byte, mediaType, cs string) string {
	var r io.Reader = bytes.NewReader(body)

	if cs != "" {
		decoded, _, err := charset.DecodeReader(r, cs)
		if err == nil {
			r = decoded
		}
	}
	if mediaType == "text/html" {
		r = htmlstrip.NewReader(r)
	}

	limited, err := io.ReadAll(io.LimitReader(r, 4*maxPreview))
	if err != nil {
		return ""
	}

	text := strings.Join(strings.Fields(string(limited)), " ")
	if len(text) > maxPreview {
		// Back up to a rune start so the cut never splits a multi-byte
		// character.
		cut := maxPreview
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
		if lastSpace := strings.LastIndex(text, " "); lastSpace > maxPreview-50 {
			text = text[:lastSpace]
		}
		text += "..."
	}
	return text
}

func parseDisposition(header string) (string, map[string]string) {
	if header == "" {
		return "", nil
	}
	dispType, dispParams, err := mime.ParseMediaType(header)
	if err != nil {
		return "", nil
	}
	return dispType, dispParams
}

func decodeTransferEncoding(body []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, bytes.NewReader(bytes.TrimSpace(body))))
		if err != nil {
			return body
		}
		return decoded
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			return body
		}
		return decoded
	default:
		return body
	}
}

// decodeHeader decodes RFC 2047 encoded header values.
func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// parseAddressList parses a comma-separated list of email addresses.
// Malformed lists degrade to a bare address when one is recognizable.
func parseAddressList(s string) []canonical.Address {
	if s == "" {
		return nil
	}

	addrs, err := mail.ParseAddressList(s)
	if err != nil {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "@") {
			return []canonical.Address{{Email: s}}
		}
		return nil
	}

	result := make([]canonical.Address, len(addrs))
	for i, addr := range addrs {
		result[i] = canonical.Address{
			Name:  addr.Name,
			Email: addr.Address,
		}
	}
	return result
}

// parseMessageIDList parses a space-separated list of message IDs, keeping
// the raw angle-bracketed forms.
func parseMessageIDList(s string) []string {
	var ids []string
	for _, part := range strings.Fields(s) {
		if part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}
