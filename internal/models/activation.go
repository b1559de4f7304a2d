package models

import "time"

// Activation statuses. pending and active are the only non-terminal states.
const (
	ActivationPending   = "pending"
	ActivationActive    = "active"
	ActivationCompleted = "completed"
	ActivationCancelled = "cancelled"
	ActivationExpired   = "expired"
	ActivationFailed    = "failed"
)

// Activation is one purchased virtual number. Rows are never deleted; a
// terminal status is final.
type Activation struct {
	ID                   int        `json:"id" db:"id"`
	CustomerID           int        `json:"customer_id" db:"customer_id"`
	CountryID            int        `json:"country_id" db:"country_id"`
	ServiceID            int        `json:"service_id" db:"service_id"`
	ProviderID           int        `json:"provider_id" db:"provider_id"`
	ProviderActivationID string     `json:"provider_activation_id" db:"provider_activation_id"`
	PhoneNumber          string     `json:"phone_number" db:"phone_number"`
	Status               string     `json:"status" db:"status"`
	ProviderStatus       string     `json:"provider_status,omitempty" db:"provider_status"` // last upstream status (waiting/received/retry)
	SmsCode              *string    `json:"sms_code,omitempty" db:"sms_code"`               // most recent code
	SellingPrice         int64      `json:"selling_price" db:"selling_price"`               // in cents
	ProviderCost         int64      `json:"provider_cost" db:"provider_cost"`               // in cents
	Profit               int64      `json:"profit" db:"profit"`                             // in cents
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminal reports whether the activation can no longer change state.
func (a *Activation) IsTerminal() bool {
	return a.Status != ActivationPending && a.Status != ActivationActive
}

// HasDegenerateID reports whether the provider returned an activation id that
// is indistinguishable from the phone number. Such activations must never be
// polled or cancelled by id upstream.
func (a *Activation) HasDegenerateID() bool {
	return a.ProviderActivationID != "" && a.ProviderActivationID == a.PhoneNumber
}

// SmsMessage is one code received for an activation. Append-only; a provider
// may deliver several codes over the activation's life.
type SmsMessage struct {
	ID           int       `json:"id" db:"id"`
	ActivationID int       `json:"activation_id" db:"activation_id"`
	Code         string    `json:"code" db:"code"`
	ReceivedAt   time.Time `json:"received_at" db:"received_at"`
}
