package normalize

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/geoberg/vectile/internal/geo"
)

// maxIdentLen is the PostgreSQL identifier limit (NAMEDATALEN - 1).
const maxIdentLen = 63

// hashSuffixLen is the length of the deterministic collision suffix,
// "_" plus eight hex digits of the xxhash of the original name.
const hashSuffixLen = 9

// reservedWords is the PostgreSQL reserved keyword table. Sanitized
// identifiers matching one of these get an underscore suffix.
var reservedWords = map[string]struct{}{
	"all": {}, "analyse": {}, "analyze": {}, "and": {}, "any": {}, "array": {},
	"as": {}, "asc": {}, "asymmetric": {}, "authorization": {}, "binary": {},
	"both": {}, "case": {}, "cast": {}, "check": {}, "collate": {},
	"column": {}, "constraint": {}, "create": {}, "cross": {},
	"current_date": {}, "current_role": {}, "current_time": {},
	"current_timestamp": {}, "current_user": {}, "default": {},
	"deferrable": {}, "desc": {}, "distinct": {}, "do": {}, "else": {},
	"end": {}, "except": {}, "false": {}, "fetch": {}, "for": {},
	"foreign": {}, "freeze": {}, "from": {}, "full": {}, "grant": {},
	"group": {}, "having": {}, "ilike": {}, "in": {}, "initially": {},
	"inner": {}, "intersect": {}, "into": {}, "is": {}, "isnull": {},
	"join": {}, "lateral": {}, "leading": {}, "left": {}, "like": {},
	"limit": {}, "localtime": {}, "localtimestamp": {}, "natural": {},
	"not": {}, "notnull": {}, "null": {}, "offset": {}, "on": {},
	"only": {}, "or": {}, "order": {}, "outer": {}, "overlaps": {},
	"placing": {}, "primary": {}, "references": {}, "returning": {},
	"right": {}, "select": {}, "session_user": {}, "similar": {},
	"some": {}, "symmetric": {}, "table": {}, "then": {}, "to": {},
	"trailing": {}, "true": {}, "union": {}, "unique": {}, "user": {},
	"using": {}, "variadic": {}, "verbose": {}, "when": {}, "where": {},
	"window": {}, "with": {},
}

// Identifier folds a raw name into a store-safe identifier: lower case,
// [a-z0-9_] only, leading letter or underscore, at most 63 bytes with room
// reserved for a collision suffix, and never a reserved keyword.
// The result is deterministic for a given input.
func Identifier(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	for _, r := range strings.TrimSpace(name) {
		r = unicode.ToLower(r)
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	s := b.String()
	if s == "" {
		s = fmt.Sprintf("t_%08x", uint32(xxhash.Sum64String(name)))
	}
	if !isLeadRune(rune(s[0])) {
		s = "t_" + s
	}
	if len(s) > maxIdentLen-hashSuffixLen {
		s = s[:maxIdentLen-hashSuffixLen]
		s = strings.TrimRight(s, "_")
	}
	// An all-underscore name trims away entirely; fall back to the hash
	// form a second time.
	if s == "" {
		s = fmt.Sprintf("t_%08x", uint32(xxhash.Sum64String(name)))
	}
	if _, reserved := reservedWords[s]; reserved {
		s += "_"
	}
	return s
}

func isLeadRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || r == '_'
}

// Identifiers sanitizes a batch of names that must remain distinct after
// folding, such as the columns of one table. Names colliding after the fold
// get a deterministic suffix derived from the original spelling; a collision
// that survives even the suffix is a *geo.SchemaError.
func Identifiers(names []string) ([]string, error) {
	out := make([]string, len(names))
	seen := make(map[string]string, len(names))
	for i, name := range names {
		id := Identifier(name)
		if orig, taken := seen[id]; taken {
			if orig == name {
				return nil, &geo.SchemaError{
					Reason: fmt.Sprintf("duplicate attribute %q", name),
				}
			}
			id = fmt.Sprintf("%s_%08x", id, uint32(xxhash.Sum64String(name)))
			if _, still := seen[id]; still {
				return nil, &geo.SchemaError{
					Reason: fmt.Sprintf("identifier collision for %q cannot be resolved", name),
				}
			}
		}
		seen[id] = name
		out[i] = id
	}
	return out, nil
}

// TableName derives the table identifier for one partition from the dataset
// base name and the partition key value.
func TableName(base, key string) string {
	if base == "" {
		return Identifier(key)
	}
	return Identifier(base + "_" + key)
}

// TableNames derives distinct table identifiers for a batch of partition
// keys, applying the same collision rule as Identifiers. seeds[i] is a
// stable spelling unique to keys[i] (for example the key's type plus its
// rendered value); when two keys fold to the same identifier the later one
// gets a suffix hashed from its seed. A collision the suffix cannot break
// is a *geo.SchemaError.
func TableNames(base string, keys, seeds []string) ([]string, error) {
	out := make([]string, len(keys))
	seen := make(map[string]string, len(keys))
	for i, key := range keys {
		id := TableName(base, key)
		if seed, taken := seen[id]; taken {
			if seed == seeds[i] {
				return nil, &geo.SchemaError{
					Reason: fmt.Sprintf("duplicate partition key %q", key),
				}
			}
			id = fmt.Sprintf("%s_%08x", id, uint32(xxhash.Sum64String(seeds[i])))
			if _, still := seen[id]; still {
				return nil, &geo.SchemaError{
					Reason: fmt.Sprintf("table identifier collision for partition key %q cannot be resolved", key),
				}
			}
		}
		seen[id] = seeds[i]
		out[i] = id
	}
	return out, nil
}
