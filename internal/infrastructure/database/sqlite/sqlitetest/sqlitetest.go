// internal/infrastructure/database/sqlite/sqlitetest/sqlitetest.go
package sqlitetest

import (
	"testing"

	"github.com/your-org/checkout-engine/internal/infrastructure/database/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a private in-memory database and migrates the given models.
// The database is closed when the test ends.
func NewDB(t testing.TB, models ...interface{}) *gorm.DB {
	t.Helper()

	db, err := sqlite.Open(":memory:", logger.Silent)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("migrate test database: %v", err)
		}
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
