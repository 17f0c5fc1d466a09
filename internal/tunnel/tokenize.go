package tunnel

import (
	"errors"
	"strings"
	"unicode"
)

var (
	ErrEmptyCommand      = errors.New("tunnel: empty command")
	ErrUnterminatedQuote = errors.New("tunnel: unterminated quote")
	ErrDanglingEscape    = errors.New("tunnel: unterminated escape")
)

// Tokenize splits cmd with shell-like quoting. Whitespace separates tokens
// outside quotes, ' and " delimit literal spans, and a backslash escapes the
// next character anywhere. No expansion of any kind is performed.
func Tokenize(cmd string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		inToken bool
		quote   rune
		escaped bool
	)
	for _, r := range cmd {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
			inToken = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case unicode.IsSpace(r):
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if escaped {
		return nil, ErrDanglingEscape
	}
	if quote != 0 {
		return nil, ErrUnterminatedQuote
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyCommand
	}
	return tokens, nil
}
