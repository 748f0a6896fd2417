// Package charset decodes the MIME charsets declared on message text parts
// into UTF-8. Mail in the wild misdeclares its encoding often enough that
// every path here degrades instead of failing: unknown names pass bytes
// through, and invalid UTF-8 rereads as Latin-1.
package charset

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// DecodeReader returns a reader producing UTF-8 from r's content in the
// named charset. The bool reports whether the declared charset could not be
// honored and a fallback was used instead. An empty name means us-ascii.
func DecodeReader(r io.Reader, name string) (io.Reader, bool, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "us-ascii"
	}

	// UTF-8 and its ASCII subset pass through, but only after the bytes
	// check out; mislabeled Latin-1 is common.
	switch name {
	case "utf-8", "utf8", "ascii", "us-ascii":
		return validUTF8OrLatin1(r)
	}

	enc, err := resolve(name)
	if err != nil {
		// Unknown charset: hand the bytes through untouched and flag it.
		raw, readErr := io.ReadAll(r)
		if readErr != nil {
			return nil, false, readErr
		}
		return bytes.NewReader(raw), true, nil
	}
	if enc == nil {
		return r, false, nil
	}
	return transform.NewReader(r, enc.NewDecoder()), false, nil
}

// resolve maps a charset name to its encoding, covering the aliases the
// IANA index does not list.
func resolve(name string) (encoding.Encoding, error) {
	switch name {
	case "latin1", "latin-1":
		return charmap.ISO8859_1, nil
	}
	// The index returns a nil encoding for names it knows but has no
	// conversion table for (UTF-8 among them); the caller treats those as
	// pass-through.
	return ianaindex.IANA.Encoding(name)
}

// validUTF8OrLatin1 reads the content and, when it is not valid UTF-8,
// rereads it as Latin-1, which accepts every byte sequence and keeps the
// text legible.
func validUTF8OrLatin1(r io.Reader) (io.Reader, bool, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	if utf8.Valid(raw) {
		return bytes.NewReader(raw), false, nil
	}
	decoded, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), raw)
	if err != nil {
		return bytes.NewReader(raw), true, nil
	}
	return bytes.NewReader(decoded), true, nil
}
