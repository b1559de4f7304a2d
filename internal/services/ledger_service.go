package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/numzap/backend/internal/models"
)

// LedgerService owns the customer balance and its append-only transaction
// history. It is a mechanical primitive: balance read, balance write and
// transaction insert happen in one database transaction, and no business
// rules are enforced here. Callers that must not drive a balance negative
// check before debiting, inside the per-customer lock.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// LedgerResult reports the balance movement of a single entry.
type LedgerResult struct {
	TransactionID string `json:"transaction_id"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
}

// Credit applies a signed amount to a customer balance and appends the
// matching ledger entry. Debits are credits with a negative amount.
func (s *LedgerService) Credit(ctx context.Context, customerID int, amount int64, txType, origin, description string, relatedActivationID *int) (*LedgerResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := s.CreditTx(ctx, tx, customerID, amount, txType, origin, description, relatedActivationID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger transaction: %w", err)
	}
	return result, nil
}

// Debit is a convenience wrapper; amount must be positive.
func (s *LedgerService) Debit(ctx context.Context, customerID int, amount int64, txType, origin, description string, relatedActivationID *int) (*LedgerResult, error) {
	return s.Credit(ctx, customerID, -amount, txType, origin, description, relatedActivationID)
}

// CreditTx is Credit composed into a caller-owned transaction, so a state
// transition and its ledger entry commit or roll back together.
func (s *LedgerService) CreditTx(ctx context.Context, tx *sql.Tx, customerID int, amount int64, txType, origin, description string, relatedActivationID *int) (*LedgerResult, error) {
	var balanceBefore int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM customers WHERE id = $1`, customerID).Scan(&balanceBefore)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("customer %d not found", customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	balanceAfter := balanceBefore + amount

	if _, err := tx.ExecContext(ctx,
		`UPDATE customers SET balance = $1, updated_at = $2 WHERE id = $3`,
		balanceAfter, time.Now(), customerID); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	transactionID := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO balance_transactions
			(transaction_id, customer_id, amount, type, origin, description, balance_before, balance_after, related_activation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		transactionID, customerID, amount, txType, origin, description,
		balanceBefore, balanceAfter, relatedActivationID, time.Now()); err != nil {
		return nil, fmt.Errorf("insert balance transaction: %w", err)
	}

	log.Printf("[Ledger] Customer %d: %s %d cents (%d -> %d)", customerID, txType, amount, balanceBefore, balanceAfter)

	return &LedgerResult{
		TransactionID: transactionID,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
	}, nil
}

// GetBalance returns the current balance in cents.
func (s *LedgerService) GetBalance(ctx context.Context, customerID int) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM customers WHERE id = $1`, customerID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("customer %d not found", customerID)
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// ListTransactions returns the most recent ledger entries for a customer.
func (s *LedgerService) ListTransactions(ctx context.Context, customerID, limit int) ([]models.BalanceTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transaction_id, customer_id, amount, type, origin, description,
			balance_before, balance_after, related_activation_id, created_at
		FROM balance_transactions WHERE customer_id = $1
		ORDER BY created_at DESC LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.BalanceTransaction
	for rows.Next() {
		var t models.BalanceTransaction
		if err := rows.Scan(&t.ID, &t.TransactionID, &t.CustomerID, &t.Amount, &t.Type, &t.Origin,
			&t.Description, &t.BalanceBefore, &t.BalanceAfter, &t.RelatedActivationID, &t.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

// CheckConsistency verifies the ledger invariant: the stored balance equals
// the sum of all transaction amounts for the customer.
func (s *LedgerService) CheckConsistency(ctx context.Context, customerID int) (bool, error) {
	var balance, sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT c.balance, COALESCE(SUM(t.amount), 0)
		FROM customers c LEFT JOIN balance_transactions t ON t.customer_id = c.id
		WHERE c.id = $1 GROUP BY c.balance`, customerID).Scan(&balance, &sum)
	if err != nil {
		return false, fmt.Errorf("consistency query: %w", err)
	}

	if balance != sum {
		log.Printf("[Ledger] INCONSISTENCY for customer %d: balance=%d, sum=%d", customerID, balance, sum)
	}
	return balance == sum, nil
}

// GetTransactions handles GET /transactions
// @Summary List balance transactions
// @Tags ledger
// @Produce json
// @Success 200 {array} models.BalanceTransaction
// @Router /transactions [get]
func (s *LedgerService) GetTransactions(w http.ResponseWriter, r *http.Request) {
	customerID, ok := CustomerIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	transactions, err := s.ListTransactions(r.Context(), customerID, limit)
	if err != nil {
		log.Printf("[Ledger] Failed to list transactions: %v", err)
		SendErrorResponse(w, "Failed to list transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"transactions": transactions})
}

// BalanceEnquiry handles GET /balance
// @Summary Current customer balance
// @Tags ledger
// @Produce json
// @Router /balance [get]
func (s *LedgerService) BalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	customerID, ok := CustomerIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := s.GetBalance(r.Context(), customerID)
	if err != nil {
		SendErrorResponse(w, "Failed to read balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"balance": balance})
}
