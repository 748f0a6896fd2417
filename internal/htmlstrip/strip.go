// Package htmlstrip reduces HTML message bodies to plain text for preview
// generation and search indexing. Output is a single line: runs of
// whitespace collapse to one space, block boundaries and <br> become a
// space, and script/style content is dropped.
package htmlstrip

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// hidden lists elements whose text never reaches the output.
var hidden = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
}

// blocky lists elements that separate their text from neighbors. Without
// the separator, "<p>a</p><p>b</p>" would strip to "ab".
var blocky = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "li": true, "blockquote": true,
	"pre": true, "table": true, "tr": true, "td": true, "th": true,
	"section": true, "article": true, "header": true, "footer": true,
	"nav": true, "main": true, "aside": true, "figure": true,
	"figcaption": true, "details": true, "summary": true,
}

type stripper struct {
	tok *html.Tokenizer
	out bytes.Buffer

	eof       bool
	hiddenN   int  // nesting level inside hidden elements
	pending   bool // a separator is owed before the next visible byte
	wroteText bool
}

// NewReader returns a reader that yields the plain-text rendering of the
// HTML read from r. Tokenization is incremental, so large bodies are not
// buffered whole.
func NewReader(r io.Reader) io.Reader {
	return &stripper{tok: html.NewTokenizer(r)}
}

func (s *stripper) Read(p []byte) (int, error) {
	for !s.eof && s.out.Len() < len(p) {
		s.step()
	}
	if s.eof && s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

func (s *stripper) step() {
	switch s.tok.Next() {
	case html.ErrorToken:
		s.eof = true
		trimmed := strings.TrimRight(s.out.String(), " ")
		s.out.Reset()
		s.out.WriteString(trimmed)

	case html.StartTagToken:
		name, hasAttr := s.tok.TagName()
		tag := string(name)
		if hidden[tag] {
			s.hiddenN++
			return
		}
		if tag == "br" || blocky[tag] {
			s.separate()
		}
		if tag == "img" && hasAttr {
			s.emitAltText()
		}

	case html.EndTagToken:
		name, _ := s.tok.TagName()
		tag := string(name)
		if hidden[tag] && s.hiddenN > 0 {
			s.hiddenN--
		}
		if blocky[tag] {
			s.separate()
		}

	case html.SelfClosingTagToken:
		name, hasAttr := s.tok.TagName()
		tag := string(name)
		if tag == "br" {
			s.separate()
		}
		if tag == "img" && hasAttr {
			s.emitAltText()
		}

	case html.TextToken:
		if s.hiddenN == 0 {
			s.emitText(s.tok.Text())
		}
	}
}

// emitAltText writes an image's alt attribute, the only attribute whose
// value is considered message text.
func (s *stripper) emitAltText() {
	for {
		key, val, more := s.tok.TagAttr()
		if string(key) == "alt" && len(val) > 0 {
			s.emitText(val)
		}
		if !more {
			return
		}
	}
}

// separate queues one space between visible runs. Nothing is written
// before the first visible byte or on top of an existing space.
func (s *stripper) separate() {
	if s.wroteText && !s.pending {
		s.out.WriteByte(' ')
		s.pending = true
	}
}

func (s *stripper) emitText(text []byte) {
	for _, b := range text {
		switch b {
		case ' ', '\t', '\n', '\r', '\f':
			s.separate()
		default:
			s.out.WriteByte(b)
			s.pending = false
			s.wroteText = true
		}
	}
}
