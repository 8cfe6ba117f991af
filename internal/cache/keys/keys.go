// Package keys builds Redis keys for cached catalog data.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const prefix = "sidebar:catalog"

// Catalog parts cached per map.
const (
	PartLayers = "layers"
	PartGroups = "groups"
)

// Catalog returns the key for one part of a map's catalog. The map id is
// sanitized for readability; the hash suffix keeps ids that sanitize to the
// same text apart.
func Catalog(mapID, part string) string {
	raw := strings.TrimSpace(mapID)
	safe := sanitize(raw)
	const maxIDLen = 80
	if len(safe) > maxIDLen {
		safe = safe[:maxIDLen]
	}
	return fmt.Sprintf("%s:%s:%s:m=%016x", prefix, safe, sanitize(part), xxhash.Sum64String(raw))
}

// CatalogKeys returns every key cached for mapID.
func CatalogKeys(mapID string) []string {
	return []string{Catalog(mapID, PartLayers), Catalog(mapID, PartGroups)}
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case unicode.IsSpace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			// ':' and any non-ASCII rune become '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
