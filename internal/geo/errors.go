package geo

import "fmt"

// MissingSourceError marks a source dataset that cannot be located or read.
type MissingSourceError struct {
	Path string
	Err  error
}

func (e *MissingSourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("source %s: not found", e.Path)
}

func (e *MissingSourceError) Unwrap() error { return e.Err }

// EmptyDatasetError marks a dataset with no valid geometry left after repair.
type EmptyDatasetError struct {
	Dataset string
}

func (e *EmptyDatasetError) Error() string {
	return fmt.Sprintf("dataset %s: no valid geometries survived repair", e.Dataset)
}

// SchemaError marks an unresolvable schema problem, such as an identifier
// collision that sanitization cannot break deterministically.
type SchemaError struct {
	Reason string
}

func (e *SchemaError) Error() string { return "schema: " + e.Reason }

// ConfigurationError marks an invalid pipeline configuration. Configuration
// problems abort the whole run since every item would fail the same way.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Reason }
