package models

import "time"

// ProviderConfig is one row of the sms_providers table. Quirks of an upstream
// provider are declared as data here instead of being branched on by id.
type ProviderConfig struct {
	ID                    int       `json:"id" db:"id"`
	Name                  string    `json:"name" db:"name"`
	URL                   string    `json:"url" db:"url"`
	Token                 string    `json:"-" db:"token"`
	Active                bool      `json:"active" db:"active"`
	Priority              int       `json:"priority" db:"priority"` // lower tries first
	MaxSimultaneousOrders int       `json:"max_simultaneous_orders" db:"max_simultaneous_orders"`
	CancelCooldownSeconds int       `json:"cancel_cooldown_seconds" db:"cancel_cooldown_seconds"`
	DegenerateIDs         bool      `json:"degenerate_ids" db:"degenerate_ids"` // activation id comes back equal to the phone number
	CancelLimit           int       `json:"cancel_limit" db:"cancel_limit"`
	CancelWindowMinutes   int       `json:"cancel_window_minutes" db:"cancel_window_minutes"`
	BlockDurationMinutes  int       `json:"block_duration_minutes" db:"block_duration_minutes"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
}

// Price is a resolved price row for a (country, service, provider) tuple.
type Price struct {
	ID           int   `json:"id" db:"id"`
	CountryID    int   `json:"country_id" db:"country_id"`
	ServiceID    int   `json:"service_id" db:"service_id"`
	ProviderID   *int  `json:"provider_id,omitempty" db:"provider_id"`
	SellingPrice int64 `json:"selling_price" db:"selling_price"` // in cents
	ProviderCost int64 `json:"provider_cost" db:"provider_cost"` // in cents
}

// PriceDetail joins a price with its catalog codes needed for reservation.
type PriceDetail struct {
	Price
	ServiceName  string `json:"service_name" db:"service_name"`
	ServiceCode  string `json:"service_code" db:"service_code"` // upstream service code, e.g. "wa"
	CountryName  string `json:"country_name" db:"country_name"`
	CountryCode  int    `json:"country_code" db:"country_code"` // upstream numeric country id
}

// Setting is a key/value row used for legacy single-provider configuration.
type Setting struct {
	Key   string `json:"key" db:"key"`
	Value string `json:"value" db:"value"`
}
