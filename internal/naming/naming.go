// Package naming turns source stream and namespace names into destination
// identifiers.
package naming

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Resolver is the naming capability used by the write-plan builder.
type Resolver interface {
	// NormalizeNamespace maps a raw namespace (schema) onto a destination
	// identifier. An empty namespace stays empty.
	NormalizeNamespace(raw string) string
	// RawTableName returns the legacy raw table name for a stream.
	RawTableName(stream string) string
	// TmpTableName returns the temporary (staging) table name for a stream.
	// It is deterministic so staging paths are stable across runs.
	TmpTableName(stream string) string
	// Identifier normalizes an arbitrary name into a table identifier.
	Identifier(name string) string
}

const (
	rawPrefix = "_airbyte_raw_"
	tmpPrefix = "_airbyte_tmp_"
)

// Standard is the default Resolver: lowercase ASCII identifiers built from
// [a-z0-9_], accents stripped, limited to MaxLength bytes (0 = unlimited).
type Standard struct {
	MaxLength int
}

// NewStandard returns a Standard resolver. Postgres truncates identifiers at
// 63 bytes, which is the usual value for maxLength.
func NewStandard(maxLength int) Standard {
	return Standard{MaxLength: maxLength}
}

// NormalizeNamespace implements Resolver.
func (s Standard) NormalizeNamespace(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return s.truncate("", normalize(raw))
}

// RawTableName implements Resolver.
func (s Standard) RawTableName(stream string) string {
	return s.truncate(rawPrefix, normalize(stream))
}

// TmpTableName implements Resolver.
func (s Standard) TmpTableName(stream string) string {
	prefix := fmt.Sprintf("%s%03x_", tmpPrefix, xxh3.HashString(stream)&0xfff)
	return s.truncate(prefix, normalize(stream))
}

// Identifier implements Resolver.
func (s Standard) Identifier(name string) string {
	return s.truncate("", normalize(name))
}

func (s Standard) truncate(prefix, base string) string {
	if s.MaxLength <= 0 || len(prefix)+len(base) <= s.MaxLength {
		return prefix + base
	}
	keep := s.MaxLength - len(prefix)
	if keep < 1 {
		return (prefix + base)[:s.MaxLength]
	}
	return prefix + base[:keep]
}

// normalize converts arbitrary text into a lowercase ASCII identifier:
//  1. lowercase
//  2. strip accents (NFD → remove Mn → NFC)
//  3. keep [a-z0-9_]; convert space/dash/dot and other separators to underscore
//  4. prefix with "_" when the result starts with a digit; "_" when empty
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, err := transform.String(t, s)
	if err != nil {
		ascii = s
	}

	var b strings.Builder
	b.Grow(len(ascii))
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_':
			b.WriteRune(r)
			prevUnderscore = true
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		default:
			// drop anything else
		}
	}

	out := b.String()
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}
