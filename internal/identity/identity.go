// Package identity normalizes peer identifiers before they are used as
// transport-level routing keys.
package identity

import "strings"

// Sanitize maps an arbitrary identifier onto the restricted character set
// accepted by the transport (letters, digits, '_' and '-'). Every other rune
// becomes '_'. Sanitizing an already-sanitized id returns it unchanged.
func Sanitize(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
