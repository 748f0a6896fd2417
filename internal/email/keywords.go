package email

import (
	"errors"
	"fmt"
	"strings"
)

// Keyword validation errors.
var (
	ErrKeywordEmpty         = errors.New("keyword must not be empty")
	ErrKeywordTooLong       = errors.New("keyword must not exceed 255 characters")
	ErrKeywordInvalidChar   = errors.New("keyword contains invalid character")
	ErrKeywordForbiddenChar = errors.New("keyword contains forbidden character")
)

// Forbidden characters in keywords per RFC 8621.
// These are: ( ) { ] % * " \
var forbiddenChars = map[rune]bool{
	'(':  true,
	')':  true,
	'{':  true,
	']':  true,
	'%':  true,
	'*':  true,
	'"':  true,
	'\\': true,
}

// Well-known keyword names (lower-cased, without the $ or \ prefix) mapped
// to their flag. IMAP-style names (\Seen, \Answered) are accepted as
// aliases of the JMAP $-form.
var flagNames = map[string]func(*Flags) *bool{
	"seen":     func(f *Flags) *bool { return &f.Seen },
	"flagged":  func(f *Flags) *bool { return &f.Flagged },
	"answered": func(f *Flags) *bool { return &f.Answered },
	"draft":    func(f *Flags) *bool { return &f.Draft },
}

// ValidateKeyword validates a keyword per RFC 8621 rules.
// Keywords must be 1-255 characters, ASCII 0x21-0x7E only,
// and must not contain ( ) { ] % * " \.
func ValidateKeyword(keyword string) error {
	if keyword == "" {
		return ErrKeywordEmpty
	}

	if len(keyword) > 255 {
		return ErrKeywordTooLong
	}

	for _, r := range keyword {
		// Must be ASCII 0x21-0x7E (printable ASCII excluding space)
		if r < 0x21 || r > 0x7E {
			return ErrKeywordInvalidChar
		}

		if forbiddenChars[r] {
			return ErrKeywordForbiddenChar
		}
	}

	return nil
}

// NormalizeKeyword converts a keyword to lowercase.
func NormalizeKeyword(keyword string) string {
	return strings.ToLower(keyword)
}

// SplitKeywords partitions a JMAP keyword map into the four well-known flags
// and the normalized custom keyword set. Only true-valued entries count; a
// false value is treated as absent, matching set-call patch semantics.
// Custom keywords are validated; the first invalid one fails the split.
func SplitKeywords(keywords map[string]bool) (Flags, []string, error) {
	var flags Flags
	var custom []string
	seen := make(map[string]bool)

	for raw, val := range keywords {
		if !val {
			continue
		}
		kw := NormalizeKeyword(raw)

		if name, ok := strings.CutPrefix(kw, "$"); ok {
			if set := flagNames[name]; set != nil {
				*set(&flags) = true
				continue
			}
		}
		if name, ok := strings.CutPrefix(kw, "\\"); ok {
			if set := flagNames[name]; set != nil {
				*set(&flags) = true
				continue
			}
		}

		if err := ValidateKeyword(kw); err != nil {
			return Flags{}, nil, fmt.Errorf("keyword %q: %w", raw, err)
		}
		if !seen[kw] {
			seen[kw] = true
			custom = append(custom, kw)
		}
	}

	return flags, custom, nil
}

// MergeKeywords reassembles the JMAP keyword map from stored flags and
// custom keyword rows, for get responses.
func MergeKeywords(flags Flags, custom []string) map[string]bool {
	keywords := make(map[string]bool, len(custom)+4)
	if flags.Seen {
		keywords["$seen"] = true
	}
	if flags.Flagged {
		keywords["$flagged"] = true
	}
	if flags.Answered {
		keywords["$answered"] = true
	}
	if flags.Draft {
		keywords["$draft"] = true
	}
	for _, kw := range custom {
		keywords[kw] = true
	}
	return keywords
}
