package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/numzap/backend/internal/models"
)

// DefaultBaseURL is used for the legacy single-provider configuration where
// only an API key is stored in settings.
const DefaultBaseURL = "https://smshub.org/stubs/handler_api.php"

const legacyAPIKeySetting = "provider_api_key"

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrProviderInactive = errors.New("provider is not active")
	ErrNoProvider       = errors.New("no working provider available, configure at least one active provider")
)

// SettingsReader looks up values from the key/value settings table.
type SettingsReader interface {
	GetSetting(ctx context.Context, key string) (string, error)
}

// Registry resolves provider configurations from the sms_providers table and
// hands out protocol clients. Clients are cached per provider so backoff state
// survives across requests.
type Registry struct {
	db       *sql.DB
	settings SettingsReader

	// newClient is overridable in tests.
	newClient func(token, baseURL string) NumberProvider

	mu      sync.Mutex
	clients map[int]NumberProvider
}

func NewRegistry(db *sql.DB, settings SettingsReader) *Registry {
	return &Registry{
		db:       db,
		settings: settings,
		newClient: func(token, baseURL string) NumberProvider {
			return NewClient(token, baseURL)
		},
		clients: make(map[int]NumberProvider),
	}
}

const providerColumns = `id, name, url, token, active, priority, max_simultaneous_orders,
		cancel_cooldown_seconds, degenerate_ids, cancel_limit, cancel_window_minutes,
		block_duration_minutes, created_at`

func scanProvider(row interface{ Scan(...any) error }) (*models.ProviderConfig, error) {
	var p models.ProviderConfig
	err := row.Scan(
		&p.ID, &p.Name, &p.URL, &p.Token, &p.Active, &p.Priority, &p.MaxSimultaneousOrders,
		&p.CancelCooldownSeconds, &p.DegenerateIDs, &p.CancelLimit, &p.CancelWindowMinutes,
		&p.BlockDurationMinutes, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID loads one provider configuration.
func (r *Registry) GetByID(ctx context.Context, id int) (*models.ProviderConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM sms_providers WHERE id = $1`, id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query provider %d: %w", id, err)
	}
	return p, nil
}

// ListActive returns active providers ordered by priority.
func (r *Registry) ListActive(ctx context.Context) ([]models.ProviderConfig, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM sms_providers WHERE active = true ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query active providers: %w", err)
	}
	defer rows.Close()

	var providers []models.ProviderConfig
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, *p)
	}
	return providers, rows.Err()
}

// ClientFor returns the cached protocol client for a provider.
func (r *Registry) ClientFor(cfg *models.ProviderConfig) NumberProvider {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[cfg.ID]; ok {
		return client
	}
	client := r.newClient(cfg.Token, cfg.URL)
	r.clients[cfg.ID] = client
	return client
}

// Select resolves which provider fulfils a purchase: an explicitly requested
// provider wins (and must exist and be active), then the provider attached to
// the price row, then the legacy default from settings.
func (r *Registry) Select(ctx context.Context, explicitID, priceProviderID *int) (*models.ProviderConfig, NumberProvider, error) {
	resolve := func(id int, requested bool) (*models.ProviderConfig, NumberProvider, error) {
		cfg, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !cfg.Active {
			if requested {
				return nil, nil, fmt.Errorf("%w: %s", ErrProviderInactive, cfg.Name)
			}
			return nil, nil, ErrProviderInactive
		}
		return cfg, r.ClientFor(cfg), nil
	}

	if explicitID != nil {
		return resolve(*explicitID, true)
	}
	if priceProviderID != nil {
		return resolve(*priceProviderID, false)
	}
	return r.Legacy(ctx)
}

// Legacy builds a client from the single API key kept in settings. The
// synthetic configuration carries no quirks.
func (r *Registry) Legacy(ctx context.Context) (*models.ProviderConfig, NumberProvider, error) {
	value, err := r.settings.GetSetting(ctx, legacyAPIKeySetting)
	if err != nil {
		return nil, nil, fmt.Errorf("query legacy api key: %w", err)
	}
	if value == "" {
		return nil, nil, ErrNoProvider
	}

	cfg := &models.ProviderConfig{Name: "default", URL: DefaultBaseURL}
	return cfg, r.newClient(value, DefaultBaseURL), nil
}

// Failover probes active providers in priority order and returns the first
// responding one, falling back to the legacy key.
func (r *Registry) Failover(ctx context.Context) (*models.ProviderConfig, NumberProvider, error) {
	providers, err := r.ListActive(ctx)
	if err != nil {
		return nil, nil, err
	}

	for i := range providers {
		cfg := &providers[i]
		client := r.ClientFor(cfg)
		if _, err := client.GetBalance(ctx); err != nil {
			log.Printf("[Provider] %s failed health probe, trying next: %v", cfg.Name, err)
			continue
		}
		return cfg, client, nil
	}

	cfg, client, err := r.Legacy(ctx)
	if err != nil {
		return nil, nil, ErrNoProvider
	}
	if _, err := client.GetBalance(ctx); err != nil {
		return nil, nil, ErrNoProvider
	}
	return cfg, client, nil
}
