package db

import (
	"fmt"

	"github.com/Japgutter/keywarden/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite, DialectPostgres, "":
		if err := conn.AutoMigrate(&models.ProviderKey{}); err != nil {
			return fmt.Errorf("db: migrate provider keys: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}
