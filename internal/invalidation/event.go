// Package invalidation propagates table-replaced events from the ingest
// pipeline to tile caches over Kafka.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

// Event announces that a table was fully replaced and every tile rendered
// from its schema is stale.
type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Schema  string    `json:"schema"`
	Table   string    `json:"table"`
	SRID    int       `json:"srid"`
	TS      time.Time `json:"ts"`
	Source  string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	if e.Op != "replace" {
		return fmt.Errorf("op must be replace")
	}
	if strings.TrimSpace(e.Schema) == "" {
		return fmt.Errorf("schema is required")
	}
	if strings.TrimSpace(e.Table) == "" {
		return fmt.Errorf("table is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// NewReplace builds a valid replace event stamped with the current time.
func NewReplace(schema, table string, srid int, source string) Event {
	return Event{
		Version: 1,
		Op:      "replace",
		Schema:  schema,
		Table:   table,
		SRID:    srid,
		TS:      time.Now().UTC(),
		Source:  source,
	}
}
