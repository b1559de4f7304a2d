package models

import "time"

type Customer struct {
	ID        int        `json:"id" db:"id"`
	Email     string     `json:"email" db:"email"`
	Name      string     `json:"name" db:"name"`
	Password  string     `json:"-" db:"password"`
	Balance   int64      `json:"balance" db:"balance"` // in cents
	Active    bool       `json:"active" db:"active"`
	Banned    bool       `json:"banned" db:"banned"`
	LastLogin *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Balance transaction types
const (
	TxTypeCredit     = "credit"
	TxTypeDebit      = "debit"
	TxTypePurchase   = "purchase"
	TxTypeRefund     = "refund"
	TxTypeWithdrawal = "withdrawal"
	TxTypeHold       = "hold"
)

// Balance transaction origins
const (
	TxOriginCustomer = "customer"
	TxOriginAdmin    = "admin"
	TxOriginSystem   = "system"
	TxOriginAPI      = "api"
)

// BalanceTransaction is an append-only ledger entry. Rows are never updated
// or deleted; the customer balance must equal the sum of all amounts.
type BalanceTransaction struct {
	ID                  int       `json:"id" db:"id"`
	TransactionID       string    `json:"transaction_id" db:"transaction_id"`
	CustomerID          int       `json:"customer_id" db:"customer_id"`
	Amount              int64     `json:"amount" db:"amount"` // signed, in cents
	Type                string    `json:"type" db:"type"`
	Origin              string    `json:"origin" db:"origin"`
	Description         string    `json:"description" db:"description"`
	BalanceBefore       int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter        int64     `json:"balance_after" db:"balance_after"`
	RelatedActivationID *int      `json:"related_activation_id,omitempty" db:"related_activation_id"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}
