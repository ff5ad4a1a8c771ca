package testutil

import (
	"context"
	"os"

	"github.com/tecmax-dev/sisvida-sub021/internal/migrate"
	"github.com/tecmax-dev/sisvida-sub021/migrations"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB abre conexão GORM a partir de DATABASE_URL. Se não houver, retorna nil.
func OpenDB(ctx context.Context) (*gorm.DB, string) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return nil, ""
	}
	db, err := gorm.Open(postgres.Open(url), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, url
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, url
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, url
	}
	return db, url
}

// MustMigrate applies the embedded migrations.
func MustMigrate(ctx context.Context, db *gorm.DB) error {
	return migrate.Run(ctx, db, migrations.FS)
}
