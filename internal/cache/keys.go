package cache

import (
	"fmt"
	"strings"
)

// schemaOf extracts the schema segment of a tile key ("tile:<schema>:z:x:y").
func schemaOf(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

func keyWithGen(key string, gen uint64) string {
	return fmt.Sprintf("%s#g%d", key, gen)
}
