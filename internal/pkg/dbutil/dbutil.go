// internal/pkg/dbutil/dbutil.go
package dbutil

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// IsUniqueViolation reports whether err came from a unique index rejecting an insert.
// Drivers opened with TranslateError return gorm.ErrDuplicatedKey; the string checks
// cover connections opened without it.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// IsNotFound reports whether err is gorm's record-not-found sentinel
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// UTCNow is the clock used for persisted timestamps
func UTCNow() time.Time {
	return time.Now().UTC()
}
