package testutil

import (
	"testing"

	"checkout-service/internal/client"
	"checkout-service/internal/config"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewDB returns a migrated in-memory sqlite database private to the test.
// One open connection makes concurrent transactions run one after the
// other, the same guarantee a row lock gives on MySQL.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := client.InitDB(config.Database{
		Driver:       "sqlite",
		URL:          "file:" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		AutoMigrate:  true,
	})
	if err != nil {
		t.Fatalf("init test db: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
