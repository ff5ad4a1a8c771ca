// Package app wires configuration into the running service. Shared by the HTTP server and boletoctl.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tecmax-dev/sisvida-sub021/internal/boleto"
	"github.com/tecmax-dev/sisvida-sub021/internal/config"
	"github.com/tecmax-dev/sisvida-sub021/internal/conversation"
	"github.com/tecmax-dev/sisvida-sub021/internal/crypto"
	"github.com/tecmax-dev/sisvida-sub021/internal/events"
	"github.com/tecmax-dev/sisvida-sub021/internal/migrate"
	"github.com/tecmax-dev/sisvida-sub021/internal/repo"
	"github.com/tecmax-dev/sisvida-sub021/migrations"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const tenantCacheTTL = 5 * time.Minute

// OpenDB connects to DATABASE_URL and pings it.
func OpenDB(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.DBMaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func Migrate(ctx context.Context, db *gorm.DB) error {
	return migrate.Run(ctx, db, migrations.FS)
}

// Keyring builds the keyring that seals gateway API keys.
func Keyring(cfg *config.Config) (*crypto.Keyring, error) {
	return crypto.NewKeyring(cfg.DataEncryptionKeys, cfg.CurrentDataKeyVer)
}

// Service is the assembled orchestrator and the resources it owns.
type Service struct {
	Orchestrator *conversation.Orchestrator
	events       events.Publisher
	dbDir        *conversation.DBDirectory
}

// NewService assembles engine, tenant directories, unit of work and event publisher.
// Each override may adjust the options before the orchestrator is built.
func NewService(cfg *config.Config, db *gorm.DB, overrides ...func(*conversation.Options)) (*Service, error) {
	keys, err := Keyring(cfg)
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	instances, err := config.LoadInstances(cfg.EvolutionInstancesFile)
	if err != nil {
		return nil, err
	}
	if len(instances) > 0 {
		log.Printf("[config] %d instance(s) from %s override evolution_configs", len(instances), cfg.EvolutionInstancesFile)
	}
	dbDir := conversation.NewDBDirectory(db, keys, tenantCacheTTL)
	pub := events.Open(cfg.AMQPURL, cfg.AMQPExchange)

	opts := conversation.Options{
		Engine:         boleto.NewEngine(cfg.MaxRetries, cfg.SessionTTL, cfg.Location()),
		UnitOfWork:     repo.NewUnitOfWork(db),
		Tenants:        conversation.Directories{conversation.NewStaticDirectory(instances), dbDir},
		Events:         pub,
		Errors:         conversation.DBErrorRecorder{DB: db},
		RatePerSec:     cfg.GatewayRatePerSec,
		AttachPDF:      cfg.AttachPDF,
		PaymentLinkURL: cfg.PaymentLinkURL,
	}
	for _, fn := range overrides {
		fn(&opts)
	}
	orch := conversation.New(opts)
	return &Service{Orchestrator: orch, events: pub, dbDir: dbDir}, nil
}

func (s *Service) Close() {
	s.dbDir.Close()
	if err := s.events.Close(); err != nil {
		log.Printf("[events] close: %v", err)
	}
}
