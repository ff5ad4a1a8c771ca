package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tecmax-dev/sisvida-sub021/internal/boleto"
	"github.com/tecmax-dev/sisvida-sub021/internal/cache"
	"github.com/tecmax-dev/sisvida-sub021/internal/config"
	"github.com/tecmax-dev/sisvida-sub021/internal/crypto"
	"github.com/tecmax-dev/sisvida-sub021/internal/repo"
	"github.com/tecmax-dev/sisvida-sub021/internal/whatsapp"
	"gorm.io/gorm"
)

// ErrUnknownInstance is returned by a directory that has no entry for the instance.
var ErrUnknownInstance = fmt.Errorf("%w: unknown whatsapp instance", boleto.ErrConfiguration)

// Tenant is the clinic behind a WhatsApp instance and its gateway credentials.
type Tenant struct {
	ClinicID   uuid.UUID
	ClinicName string
	Gateway    whatsapp.Config
}

// TenantDirectory resolves the instance named in a webhook to its tenant.
type TenantDirectory interface {
	GatewayByInstance(ctx context.Context, instance string) (*Tenant, error)
}

// StaticDirectory serves the instances declared in EVOLUTION_INSTANCES_FILE.
type StaticDirectory struct {
	byName map[string]config.Instance
}

func NewStaticDirectory(instances []config.Instance) *StaticDirectory {
	d := &StaticDirectory{byName: make(map[string]config.Instance, len(instances))}
	for _, in := range instances {
		d.byName[in.Name] = in
	}
	return d
}

func (d *StaticDirectory) GatewayByInstance(_ context.Context, instance string) (*Tenant, error) {
	in, ok := d.byName[instance]
	if !ok {
		return nil, ErrUnknownInstance
	}
	if in.Disabled {
		return nil, fmt.Errorf("%w: instance %q disabled", boleto.ErrConfiguration, instance)
	}
	return &Tenant{
		ClinicID:   in.ClinicID,
		ClinicName: in.ClinicName,
		Gateway:    whatsapp.Config{APIURL: in.APIURL, APIKey: in.APIKey, Instance: in.Name},
	}, nil
}

// DBDirectory reads evolution_configs and opens the sealed API keys. Hits are cached.
type DBDirectory struct {
	db    *gorm.DB
	keys  *crypto.Keyring
	cache *cache.TTL[*Tenant]
}

func NewDBDirectory(db *gorm.DB, keys *crypto.Keyring, ttl time.Duration) *DBDirectory {
	return &DBDirectory{db: db, keys: keys, cache: cache.New[*Tenant](ttl)}
}

func (d *DBDirectory) GatewayByInstance(ctx context.Context, instance string) (*Tenant, error) {
	if t, ok := d.cache.Get(instance); ok {
		return t, nil
	}
	cfg, err := repo.EvolutionConfigByInstance(ctx, d.db, instance)
	if err != nil {
		return nil, fmt.Errorf("evolution config %q: %w", instance, err)
	}
	if cfg == nil {
		return nil, ErrUnknownInstance
	}
	key, err := d.keys.Open(cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("%w: api key of %q: %v", boleto.ErrConfiguration, instance, err)
	}
	t := &Tenant{
		ClinicID:   cfg.ClinicID,
		ClinicName: cfg.ClinicName,
		Gateway:    whatsapp.Config{APIURL: cfg.APIURL, APIKey: key, Instance: cfg.Instance},
	}
	d.cache.Set(instance, t)
	return t, nil
}

// Invalidate drops the cached entry of instance.
func (d *DBDirectory) Invalidate(instance string) { d.cache.Delete(instance) }

func (d *DBDirectory) Close() { d.cache.Close() }

// Directories tries each directory in order; the first one that knows the instance wins,
// so a YAML entry (even a disabled one) shadows the database.
type Directories []TenantDirectory

func (ds Directories) GatewayByInstance(ctx context.Context, instance string) (*Tenant, error) {
	for _, d := range ds {
		t, err := d.GatewayByInstance(ctx, instance)
		if errors.Is(err, ErrUnknownInstance) {
			continue
		}
		return t, err
	}
	return nil, ErrUnknownInstance
}
