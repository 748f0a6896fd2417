package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"unicode/utf8"
)

const simpleMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Date: Mon, 15 Jan 2024 10:30:00 +0000\r\n" +
	"Message-Id: <1@x>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello Bob, this is a test message.\r\n"

const multipartMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: With attachment\r\n" +
	"In-Reply-To: <1@x>\r\n" +
	"References: <0@x> <1@x>\r\n" +
	"Content-Type: multipart/mixed; boundary=BOUNDARY\r\n" +
	"\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See attached.\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: application/pdf; name=report.pdf\r\n" +
	"Content-Disposition: attachment; filename=report.pdf\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--BOUNDARY--\r\n"

func TestParseRawEmail_Simple(t *testing.T) {
	res, err := ParseRawEmail([]byte(simpleMessage))
	if err != nil {
		t.Fatalf("ParseRawEmail() error = %v", err)
	}
	msg := res.Message

	wantSum := sha256.Sum256([]byte(simpleMessage))
	if msg.IngestID != hex.EncodeToString(wantSum[:]) {
		t.Errorf("IngestID = %q, want content hash", msg.IngestID)
	}
	if msg.RawBlobID != msg.IngestID {
		t.Errorf("RawBlobID = %q, want same as IngestID", msg.RawBlobID)
	}
	if msg.Subject != "Hello" {
		t.Errorf("Subject = %q, want %q", msg.Subject, "Hello")
	}
	if len(msg.From) != 1 || msg.From[0].Email != "alice@example.com" || msg.From[0].Name != "Alice" {
		t.Errorf("From = %+v", msg.From)
	}
	if len(msg.MessageID) != 1 || msg.MessageID[0] != "<1@x>" {
		t.Errorf("MessageID = %v", msg.MessageID)
	}
	if msg.HasAttachment {
		t.Error("HasAttachment = true, want false")
	}
	if len(msg.TextBody) != 1 || msg.TextBody[0] != "1" {
		t.Errorf("TextBody = %v, want [\"1\"]", msg.TextBody)
	}
	if !strings.Contains(msg.Preview, "Hello Bob") {
		t.Errorf("Preview = %q, want text content", msg.Preview)
	}
	if msg.SentAt.IsZero() {
		t.Error("SentAt is zero, want parsed Date header")
	}
}

func TestParseRawEmail_PreviewKeepsRunesWhole(t *testing.T) {
	// An unbroken run of multi-byte characters forces the preview cut to
	// land inside a rune unless it backs up to a boundary.
	body := strings.Repeat("日", 120)
	raw := "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Long\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body + "\r\n"

	res, err := ParseRawEmail([]byte(raw))
	if err != nil {
		t.Fatalf("ParseRawEmail() error = %v", err)
	}

	preview := res.Message.Preview
	if !utf8.ValidString(preview) {
		t.Errorf("Preview is not valid UTF-8: %q", preview)
	}
	if !strings.HasSuffix(preview, "...") {
		t.Errorf("Preview = %q, want truncation ellipsis", preview)
	}
	if strings.ContainsRune(preview, utf8.RuneError) {
		t.Errorf("Preview contains a replacement character: %q", preview)
	}
}

func TestParseRawEmail_MultipartWithAttachment(t *testing.T) {
	res, err := ParseRawEmail([]byte(multipartMessage))
	if err != nil {
		t.Fatalf("ParseRawEmail() error = %v", err)
	}
	msg := res.Message

	if !msg.HasAttachment {
		t.Fatal("HasAttachment = false, want true")
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("len(Attachments) = %d, want 1", len(msg.Attachments))
	}

	att := msg.Attachments[0]
	if att.Name != "report.pdf" {
		t.Errorf("Name = %q, want %q", att.Name, "report.pdf")
	}
	if att.PartID != "1.2" {
		t.Errorf("PartID = %q, want %q", att.PartID, "1.2")
	}

	// The blob ID must be the hash of the decoded bytes, and the decoded
	// bytes must be available for persistence.
	pdfBytes := []byte("%PDF-1.4")
	wantSum := sha256.Sum256(pdfBytes)
	wantBlobID := hex.EncodeToString(wantSum[:])
	if att.BlobID != wantBlobID {
		t.Errorf("BlobID = %q, want hash of decoded bytes %q", att.BlobID, wantBlobID)
	}
	if string(res.AttachmentData[att.BlobID]) != "%PDF-1.4" {
		t.Errorf("AttachmentData = %q, want decoded pdf bytes", res.AttachmentData[att.BlobID])
	}

	// Structure: root multipart "1" with text child "1.1" and pdf "1.2".
	if msg.BodyStructure.PartID != "1" {
		t.Errorf("root PartID = %q, want %q", msg.BodyStructure.PartID, "1")
	}
	if len(msg.BodyStructure.SubParts) != 2 {
		t.Fatalf("len(SubParts) = %d, want 2", len(msg.BodyStructure.SubParts))
	}
	if msg.BodyStructure.SubParts[0].PartID != "1.1" {
		t.Errorf("SubParts[0].PartID = %q, want %q", msg.BodyStructure.SubParts[0].PartID, "1.1")
	}
	if len(msg.TextBody) != 1 || msg.TextBody[0] != "1.1" {
		t.Errorf("TextBody = %v, want [\"1.1\"]", msg.TextBody)
	}
	if len(msg.InReplyTo) != 1 || msg.InReplyTo[0] != "<1@x>" {
		t.Errorf("InReplyTo = %v", msg.InReplyTo)
	}
	if len(msg.References) != 2 {
		t.Errorf("References = %v, want 2 entries", msg.References)
	}
}

func TestParseRawEmail_IdenticalBytesSameIngestID(t *testing.T) {
	res1, err := ParseRawEmail([]byte(simpleMessage))
	if err != nil {
		t.Fatalf("ParseRawEmail() error = %v", err)
	}
	res2, err := ParseRawEmail([]byte(simpleMessage))
	if err != nil {
		t.Fatalf("ParseRawEmail() error = %v", err)
	}
	if res1.Message.IngestID != res2.Message.IngestID {
		t.Errorf("IngestID differs: %q vs %q", res1.Message.IngestID, res2.Message.IngestID)
	}
}

func TestParseRawEmail_HTMLOnlyPreview(t *testing.T) {
	raw := "From: a@x\r\nTo: b@x\r\nSubject: h\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n\r\n" +
		"<html><body><p>Hello <b>world</b></p></body></html>\r\n"

	res, err := ParseRawEmail([]byte(raw))
	if err != nil {
		t.Fatalf("ParseRawEmail() error = %v", err)
	}
	msg := res.Message

	if len(msg.HTMLBody) != 1 {
		t.Fatalf("HTMLBody = %v, want one part", msg.HTMLBody)
	}
	if strings.Contains(msg.Preview, "<") {
		t.Errorf("Preview = %q, want tags stripped", msg.Preview)
	}
	if !strings.Contains(msg.Preview, "Hello") {
		t.Errorf("Preview = %q, want text content", msg.Preview)
	}
}

func TestParseRawEmail_MalformedAddressDegrades(t *testing.T) {
	raw := "From: totally broken <<a@x\r\nTo: b@x\r\nSubject: h\r\n\r\nbody\r\n"

	res, err := ParseRawEmail([]byte(raw))
	if err != nil {
		t.Fatalf("ParseRawEmail() error = %v", err)
	}
	// Malformed but contains an @: degraded to a bare address.
	if len(res.Message.From) != 1 {
		t.Fatalf("From = %+v, want one degraded address", res.Message.From)
	}
}

func TestParseRawEmail_NotAMessage(t *testing.T) {
	if _, err := ParseRawEmail([]byte("")); err == nil {
		t.Error("ParseRawEmail(\"\") error = nil, want parse failure")
	}
}
