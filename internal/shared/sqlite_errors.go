// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// sqliteConflictMarkers are the message fragments SQLite uses for lock contention.
var sqliteConflictMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"database is locked",
	"database table is locked",
}

// IsSQLiteConflictError reports whether err is a SQLite concurrency error
// (busy or locked). These typically warrant a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range sqliteConflictMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
