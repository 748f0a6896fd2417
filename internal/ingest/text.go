package ingest

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"github.com/harbormail/jmap-backend/internal/charset"
	"github.com/harbormail/jmap-backend/internal/htmlstrip"
)

// ExtractText returns the decoded inline text content of a raw message,
// whitespace-collapsed and capped at maxBytes. HTML bodies are stripped to
// text; attachments are skipped. Used by the search-index consumer, which
// embeds body text rather than MIME structure.
func ExtractText(data []byte, maxBytes int) (string, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	collectText(mail.Header(msg.Header), body, maxBytes, &b)
	return strings.Join(strings.Fields(b.String()), " "), nil
}

func collectText(header mail.Header, body []byte, maxBytes int, b *strings.Builder) {
	if b.Len() >= maxBytes {
		return
	}

	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
		params = nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary, ok := params["boundary"]
		if !ok {
			return
		}
		mr := multipart.NewReader(bytes.NewReader(body), boundary)
		for {
			p, err := mr.NextPart()
			if err != nil {
				return
			}
			childBody, err := io.ReadAll(p)
			if err != nil {
				continue
			}
			collectText(mail.Header(p.Header), childBody, maxBytes, b)
		}
	}

	disposition, _ := parseDisposition(header.Get("Content-Disposition"))
	if disposition == "attachment" || (mediaType != "text/plain" && mediaType != "text/html") {
		return
	}

	decoded := decodeTransferEncoding(body, header.Get("Content-Transfer-Encoding"))

	var r io.Reader = bytes.NewReader(decoded)
	if cs, ok := params["charset"]; ok && cs != "" {
		if dr, _, err := charset.DecodeReader(r, cs); err == nil {
			r = dr
		}
	}
	if mediaType == "text/html" {
		r = htmlstrip.NewReader(r)
	}

	text, err := io.ReadAll(io.LimitReader(r, int64(maxBytes-b.Len())))
	if err != nil {
		return
	}
	b.Write(text)
	b.WriteByte(' ')
}
