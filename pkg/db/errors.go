package db

import "strings"

// IsBusy reports whether the error is sqlite lock contention — the expected,
// transient condition every write path retries around.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "database table is locked")
}

// IsUniqueViolation reports whether the error references a unique constraint.
// When indexName is provided, the helper looks for the index text in the
// error message.
func IsUniqueViolation(err error, indexName string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if indexName != "" {
		return strings.Contains(msg, indexName)
	}
	return strings.Contains(msg, "UNIQUE constraint failed")
}
