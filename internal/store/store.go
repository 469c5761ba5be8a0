// Package store contains the record-store repositories. Each repository owns
// one table group and follows the same shape: a sql.DB handle plus a
// component-scoped logger. All persisted times are unix epoch seconds, UTC.
package store

import (
	"database/sql"
	"time"
)

// nullUnix converts a nullable column to *time.Time.
func nullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// unixPtr converts *time.Time to a driver-friendly nullable value.
func unixPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

// boolToInt converts a bool to the 0/1 SQLite convention.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
