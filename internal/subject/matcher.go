package subject

import (
	"errors"
	"strings"
)

// MaxSubjectLength is the longest subject accepted on the publish path.
const MaxSubjectLength = 256

// ErrInvalidSubject is returned by Validate for subjects that are not
// publishable: empty, too long, empty tokens, or illegal characters.
var ErrInvalidSubject = errors.New("invalid subject format")

// Match reports whether a concrete subject matches a NATS-style pattern.
// Pattern tokens are dot-separated; "*" matches exactly one token and ">"
// matches one or more trailing tokens. ">" is only legal as the last token.
func Match(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}
	if pattern == subject {
		return true
	}

	patTokens := strings.Split(pattern, ".")
	subTokens := strings.Split(subject, ".")

	for i, pt := range patTokens {
		switch pt {
		case ">":
			// Tail wildcard must be last and must cover at least one token.
			if i != len(patTokens)-1 {
				return false
			}
			return len(subTokens) > i
		case "*":
			if i >= len(subTokens) {
				return false
			}
		default:
			if i >= len(subTokens) || subTokens[i] != pt {
				return false
			}
		}
	}

	return len(patTokens) == len(subTokens)
}

// MatchAny reports whether the subject matches any of the given patterns.
// An empty pattern list denies everything.
func MatchAny(patterns []string, subject string) bool {
	for _, p := range patterns {
		if Match(p, subject) {
			return true
		}
	}
	return false
}

// Validate checks that a subject is acceptable on the publish path.
func Validate(subject string) error {
	if subject == "" || len(subject) > MaxSubjectLength {
		return ErrInvalidSubject
	}
	if strings.HasPrefix(subject, ".") || strings.HasSuffix(subject, ".") {
		return ErrInvalidSubject
	}
	if strings.Contains(subject, "..") {
		return ErrInvalidSubject
	}
	for i, r := range subject {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '*' || r == '-' || r == '_':
		case r == '>':
			// Only valid as the final token.
			if i != len(subject)-1 {
				return ErrInvalidSubject
			}
		default:
			return ErrInvalidSubject
		}
	}
	return nil
}
