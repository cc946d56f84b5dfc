package store

import "fmt"

// LoadError wraps a persistence failure and names the step that failed.
// Steps: reproject, load, index, crs, grant.
type LoadError struct {
	Step  string
	Table string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: step %s: %v", e.Table, e.Step, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// CRSMismatchError marks a post-load CRS verification failure.
type CRSMismatchError struct {
	Table string
	Want  int
	Got   int
}

func (e *CRSMismatchError) Error() string {
	return fmt.Sprintf("table %s: stored SRID %d, expected %d", e.Table, e.Got, e.Want)
}

// DatabaseError marks a connection or query failure against the spatial
// store.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }
