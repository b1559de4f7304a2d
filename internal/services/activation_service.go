package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/numzap/backend/internal/models"
	"github.com/numzap/backend/internal/provider"
)

// ExpirationWindow is how long a number may wait for its first SMS before the
// sweep force-expires and refunds it.
const ExpirationWindow = 20 * time.Minute

var (
	ErrCustomerNotFound     = errors.New("customer not found")
	ErrCustomerInactive     = errors.New("customer account is not active")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrPriceNotFound        = errors.New("no price configured for this service and country")
	ErrActivationNotFound   = errors.New("activation not found")
	ErrActivationNotActive  = errors.New("activation is no longer active")
	ErrActivationFinalized  = errors.New("activation can no longer be cancelled")
	ErrNoSmsCode            = errors.New("cannot complete an activation without a received SMS code")
	ErrReservationFailed    = errors.New("failed to obtain a number from the provider")
)

// CancelTooEarlyError is raised when a provider enforces a minimum hold time.
type CancelTooEarlyError struct {
	RemainingSeconds int
}

func (e *CancelTooEarlyError) Error() string {
	return fmt.Sprintf("this order can only be cancelled after the provider cooldown, wait %d more seconds", e.RemainingSeconds)
}

// OrderLimitError is raised when a customer already holds the provider's
// maximum number of simultaneous orders.
type OrderLimitError struct {
	ProviderName string
	Active       int
	Limit        int
}

func (e *OrderLimitError) Error() string {
	return fmt.Sprintf("simultaneous order limit reached for %s: %d active of %d allowed, finish or cancel an existing order first",
		e.ProviderName, e.Active, e.Limit)
}

// CancellationBlockedError is raised when a customer cancelled too often in a
// provider's rate-limit window and is temporarily blocked from purchasing.
type CancellationBlockedError struct {
	RemainingMinutes int
}

func (e *CancellationBlockedError) Error() string {
	return fmt.Sprintf("cancellation limit reached, purchases are blocked for %d more minutes", e.RemainingMinutes)
}

// ProviderRegistry is the slice of the provider registry the engine consumes.
type ProviderRegistry interface {
	GetByID(ctx context.Context, id int) (*models.ProviderConfig, error)
	Select(ctx context.Context, explicitID, priceProviderID *int) (*models.ProviderConfig, provider.NumberProvider, error)
	ClientFor(cfg *models.ProviderConfig) provider.NumberProvider
	Failover(ctx context.Context) (*models.ProviderConfig, provider.NumberProvider, error)
}

// Notifier is the fire-and-forget event sink; the engine never waits on it.
type Notifier interface {
	SendToCustomer(customerID int, notification Notification)
}

// ActivationService orchestrates the purchased-number lifecycle: reservation,
// code polling, manual completion/cancellation and the expiration sweep, with
// every balance mutation serialized by the per-customer lock and committed
// atomically with its state transition.
type ActivationService struct {
	db          *sql.DB
	locks       *LockManager
	ledger      *LedgerService
	idempotency *IdempotencyManager
	registry    ProviderRegistry
	notifier    Notifier
	validator   *ValidationHelper
}

func NewActivationService(db *sql.DB, locks *LockManager, ledger *LedgerService,
	idempotency *IdempotencyManager, registry ProviderRegistry, notifier Notifier) *ActivationService {
	return &ActivationService{
		db:          db,
		locks:       locks,
		ledger:      ledger,
		idempotency: idempotency,
		registry:    registry,
		notifier:    notifier,
		validator:   NewValidationHelper(),
	}
}

type PurchaseRequest struct {
	CustomerID int    `json:"customerId" validate:"required,gt=0"`
	CountryID  int    `json:"countryId" validate:"required,gt=0"`
	ServiceID  int    `json:"serviceId" validate:"required,gt=0"`
	Operator   string `json:"operator,omitempty"`
	ProviderID *int   `json:"providerId,omitempty"`
}

type PurchaseResult struct {
	ActivationID int    `json:"activation_id"`
	PhoneNumber  string `json:"phone_number"`
	Service      string `json:"service"`
	Country      string `json:"country"`
	Price        int64  `json:"price"`
	BalanceAfter int64  `json:"balance_after"`
}

func (s *ActivationService) notify(customerID int, eventType, title, message string, data any) {
	if s.notifier == nil {
		return
	}
	s.notifier.SendToCustomer(customerID, Notification{
		Type:    eventType,
		Title:   title,
		Message: message,
		Data:    data,
	})
}

// PurchaseNumber reserves a number upstream, creates the activation in the
// active state and debits the selling price, all inside the customer's
// critical section. A retried request with the same fingerprint returns the
// original result without executing again.
func (s *ActivationService) PurchaseNumber(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if err := s.validator.ValidateStruct(&req); err != nil {
		return nil, err
	}

	var result *PurchaseResult
	err := s.locks.ExecuteWithLock(ctx, req.CustomerID, func(ctx context.Context) error {
		s.notify(req.CustomerID, EventOperationStarted, "Operation in progress", "Purchasing SMS number...",
			map[string]any{"operation": "purchase"})

		var err error
		result, err = s.purchaseLocked(ctx, req)
		if err != nil {
			s.notify(req.CustomerID, EventOperationFailed, "Purchase failed", err.Error(),
				map[string]any{"operation": "purchase"})
			return err
		}

		s.notify(req.CustomerID, EventOperationCompleted, "Purchase complete", "SMS number acquired",
			map[string]any{"operation": "purchase", "activationId": result.ActivationID})
		return nil
	})
	return result, err
}

func (s *ActivationService) purchaseLocked(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	key := Fingerprint(req.CustomerID, "purchase", map[string]any{
		"countryId":  req.CountryID,
		"serviceId":  req.ServiceID,
		"operator":   req.Operator,
		"providerId": req.ProviderID,
	})

	duplicate, cached, err := s.idempotency.CheckDuplicate(ctx, key, req.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("idempotency check: %w", err)
	}
	if duplicate {
		var result PurchaseResult
		if err := json.Unmarshal(cached, &result); err != nil {
			return nil, fmt.Errorf("decode cached purchase result: %w", err)
		}
		return &result, nil
	}

	customer, err := s.getCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if !customer.Active || customer.Banned {
		return nil, ErrCustomerInactive
	}

	price, err := s.getPrice(ctx, req.CountryID, req.ServiceID, req.ProviderID)
	if err != nil {
		return nil, err
	}

	if customer.Balance < price.SellingPrice {
		return nil, ErrInsufficientBalance
	}

	cfg, client, err := s.registry.Select(ctx, req.ProviderID, price.ProviderID)
	if err != nil {
		return nil, err
	}

	if err := s.checkOrderCeilings(ctx, req.CustomerID, cfg); err != nil {
		return nil, err
	}

	reservation, err := client.GetNumber(ctx, price.ServiceCode, price.CountryCode, req.Operator)
	if err != nil {
		// A customer asking for a specific provider gets that provider's
		// failure; otherwise an unreachable or throttled upstream triggers a
		// retry on the next healthy one.
		if req.ProviderID != nil || (!errors.Is(err, provider.ErrUnavailable) && !provider.IsRateLimited(err)) {
			return nil, err
		}
		log.Printf("[Purchase] Provider %s could not reserve, trying failover: %v", cfg.Name, err)
		fcfg, fclient, ferr := s.registry.Failover(ctx)
		if ferr != nil || fcfg.ID == cfg.ID {
			return nil, err
		}
		if err := s.checkOrderCeilings(ctx, req.CustomerID, fcfg); err != nil {
			return nil, err
		}
		reservation, err = fclient.GetNumber(ctx, price.ServiceCode, price.CountryCode, req.Operator)
		if err != nil {
			return nil, err
		}
		cfg = fcfg
	}
	if reservation.ActivationID == "" || reservation.PhoneNumber == "" {
		return nil, ErrReservationFailed
	}
	if reservation.ActivationID == reservation.PhoneNumber {
		log.Printf("[Purchase] Degenerate id format detected for provider %s: id == phone (%s), switching to phone-keyed polling",
			cfg.Name, reservation.PhoneNumber)
	}

	activation := &models.Activation{
		CustomerID:           req.CustomerID,
		CountryID:            req.CountryID,
		ServiceID:            req.ServiceID,
		ProviderID:           cfg.ID,
		ProviderActivationID: reservation.ActivationID,
		PhoneNumber:          reservation.PhoneNumber,
		Status:               models.ActivationActive,
		SellingPrice:         price.SellingPrice,
		ProviderCost:         price.ProviderCost,
		Profit:               price.SellingPrice - price.ProviderCost,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin purchase transaction: %w", err)
	}
	defer tx.Rollback()

	activationID, err := s.insertActivationTx(ctx, tx, activation)
	if err != nil {
		return nil, err
	}

	description := fmt.Sprintf("SMS number purchase - %s (%s)", price.ServiceName, price.CountryName)
	ledgerResult, err := s.ledger.CreditTx(ctx, tx, req.CustomerID, -price.SellingPrice,
		models.TxTypePurchase, models.TxOriginCustomer, description, &activationID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purchase: %w", err)
	}

	result := &PurchaseResult{
		ActivationID: activationID,
		PhoneNumber:  reservation.PhoneNumber,
		Service:      price.ServiceName,
		Country:      price.CountryName,
		Price:        price.SellingPrice,
		BalanceAfter: ledgerResult.BalanceAfter,
	}

	if err := s.idempotency.RecordOperation(ctx, key, req.CustomerID, "purchase", result, DefaultIdempotencyTTL); err != nil {
		log.Printf("[Purchase] Failed to record idempotency result: %v", err)
	}

	log.Printf("[Purchase] Customer %d bought %s for %d cents (activation %d, provider %s)",
		req.CustomerID, reservation.PhoneNumber, price.SellingPrice, activationID, cfg.Name)
	return result, nil
}

// CancelActivation cancels a non-terminal activation and refunds its selling
// price in the same database transaction as the status change. The upstream
// cancel call is best effort, and is skipped entirely for activations with a
// degenerate id, where the id-keyed call is known to fail.
func (s *ActivationService) CancelActivation(ctx context.Context, customerID, activationID int) error {
	return s.locks.ExecuteWithLock(ctx, customerID, func(ctx context.Context) error {
		s.notify(customerID, EventOperationStarted, "Operation in progress", "Cancelling order...",
			map[string]any{"operation": "cancel", "activationId": activationID})

		if err := s.cancelLocked(ctx, customerID, activationID); err != nil {
			s.notify(customerID, EventOperationFailed, "Cancellation failed", err.Error(),
				map[string]any{"operation": "cancel", "activationId": activationID})
			return err
		}

		s.notify(customerID, EventOperationCompleted, "Cancellation complete", "Order cancelled and balance refunded",
			map[string]any{"operation": "cancel", "activationId": activationID})
		return nil
	})
}

func (s *ActivationService) cancelLocked(ctx context.Context, customerID, activationID int) error {
	activation, err := s.getOwnedActivation(ctx, customerID, activationID)
	if err != nil {
		return err
	}
	if activation.IsTerminal() {
		return ErrActivationFinalized
	}

	var cfg *models.ProviderConfig
	if activation.ProviderID > 0 {
		cfg, err = s.registry.GetByID(ctx, activation.ProviderID)
		if err != nil && !errors.Is(err, provider.ErrProviderNotFound) {
			return err
		}
	}

	if cfg != nil && cfg.CancelCooldownSeconds > 0 {
		elapsed := time.Since(activation.CreatedAt)
		cooldown := time.Duration(cfg.CancelCooldownSeconds) * time.Second
		if elapsed < cooldown {
			remaining := int((cooldown - elapsed).Seconds()) + 1
			return &CancelTooEarlyError{RemainingSeconds: remaining}
		}
	}

	if activation.HasDegenerateID() {
		log.Printf("[Cancel] Skipping upstream cancel for activation %d: degenerate id format", activation.ID)
	} else if cfg != nil {
		client := s.registry.ClientFor(cfg)
		if err := client.SetStatus(ctx, activation.ProviderActivationID, provider.SetStatusCancel); err != nil {
			log.Printf("[Cancel] Upstream cancel failed for activation %d: %v", activation.ID, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.setStatusTx(ctx, tx, activation.ID, models.ActivationCancelled, nil); err != nil {
		return err
	}

	description := fmt.Sprintf("Refund for cancelled activation #%d", activation.ID)
	if _, err := s.ledger.CreditTx(ctx, tx, customerID, activation.SellingPrice,
		models.TxTypeRefund, models.TxOriginCustomer, description, &activation.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}

	if cfg != nil && cfg.ID > 0 {
		if err := s.recordCancellation(ctx, customerID, cfg.ID, activation.ID); err != nil {
			log.Printf("[Cancel] Failed to record cancellation log: %v", err)
		}
	}

	log.Printf("[Cancel] Activation %d cancelled, %d cents refunded to customer %d",
		activation.ID, activation.SellingPrice, customerID)
	return nil
}

// CompleteActivation marks an activation as successfully used. It requires at
// least one recorded SMS code and pairs with no ledger entry: the purchase
// debit stands.
func (s *ActivationService) CompleteActivation(ctx context.Context, customerID, activationID int) error {
	activation, err := s.getOwnedActivation(ctx, customerID, activationID)
	if err != nil {
		return err
	}
	if activation.IsTerminal() {
		return ErrActivationNotActive
	}
	if activation.SmsCode == nil || *activation.SmsCode == "" {
		return ErrNoSmsCode
	}

	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE activations SET status = $1, completed_at = $2 WHERE id = $3`,
		models.ActivationCompleted, now, activation.ID); err != nil {
		return fmt.Errorf("complete activation: %w", err)
	}

	if !activation.HasDegenerateID() && activation.ProviderID > 0 {
		if cfg, err := s.registry.GetByID(ctx, activation.ProviderID); err == nil {
			client := s.registry.ClientFor(cfg)
			if err := client.SetStatus(ctx, activation.ProviderActivationID, provider.SetStatusComplete); err != nil {
				log.Printf("[Complete] Upstream complete failed for activation %d: %v", activation.ID, err)
			}
		}
	}

	log.Printf("[Complete] Activation %d completed by customer %d", activation.ID, customerID)
	return nil
}

// RequestNewSms clears the cached code and asks the provider for another SMS.
func (s *ActivationService) RequestNewSms(ctx context.Context, customerID, activationID int) error {
	activation, err := s.getOwnedActivation(ctx, customerID, activationID)
	if err != nil {
		return err
	}
	if activation.Status != models.ActivationActive {
		return ErrActivationNotActive
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE activations SET sms_code = NULL, provider_status = $1 WHERE id = $2`,
		provider.StatusRetry, activation.ID); err != nil {
		return fmt.Errorf("reset sms code: %w", err)
	}

	if activation.HasDegenerateID() {
		log.Printf("[RequestNewSms] Skipping upstream call for activation %d: degenerate id format", activation.ID)
		return nil
	}
	if activation.ProviderID > 0 {
		if cfg, err := s.registry.GetByID(ctx, activation.ProviderID); err == nil {
			client := s.registry.ClientFor(cfg)
			if err := client.SetStatus(ctx, activation.ProviderActivationID, provider.SetStatusRetry); err != nil {
				// Code is already cleared locally; the provider may still deliver.
				log.Printf("[RequestNewSms] Upstream retry request failed for activation %d: %v", activation.ID, err)
			}
		}
	}
	return nil
}

// ExpireStale force-expires every non-terminal activation of the customer
// that is older than the expiration window and never received a code, and
// refunds each one. Runs inside the customer's lock and is idempotent: an
// already-terminal activation is a no-op. No upstream call is made, so stale
// numbers expire even when the provider is unreachable.
func (s *ActivationService) ExpireStale(ctx context.Context, customerID int) error {
	return s.locks.ExecuteWithLock(ctx, customerID, func(ctx context.Context) error {
		return s.expireStaleLocked(ctx, customerID)
	})
}

func (s *ActivationService) expireStaleLocked(ctx context.Context, customerID int) error {
	cutoff := time.Now().Add(-ExpirationWindow)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, selling_price, phone_number FROM activations
		WHERE customer_id = $1 AND status IN ($2, $3) AND sms_code IS NULL AND created_at < $4`,
		customerID, models.ActivationPending, models.ActivationActive, cutoff)
	if err != nil {
		return fmt.Errorf("query stale activations: %w", err)
	}

	type staleActivation struct {
		id           int
		sellingPrice int64
		phoneNumber  string
	}
	var stale []staleActivation
	for rows.Next() {
		var a staleActivation
		if err := rows.Scan(&a.id, &a.sellingPrice, &a.phoneNumber); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, a := range stale {
		if err := s.expireOne(ctx, customerID, a.id, a.sellingPrice, a.phoneNumber); err != nil {
			log.Printf("[Sweep] Failed to expire activation %d: %v", a.id, err)
		}
	}
	return nil
}

func (s *ActivationService) expireOne(ctx context.Context, customerID, activationID int, sellingPrice int64, phoneNumber string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin expire transaction: %w", err)
	}
	defer tx.Rollback()

	// Guard against a concurrent sweep, and against a code arriving between
	// the pre-check and this update: expire only while still non-terminal and
	// still codeless. A customer never keeps both a code and the refund.
	result, err := tx.ExecContext(ctx,
		`UPDATE activations SET status = $1 WHERE id = $2 AND status IN ($3, $4) AND sms_code IS NULL`,
		models.ActivationExpired, activationID, models.ActivationPending, models.ActivationActive)
	if err != nil {
		return fmt.Errorf("expire activation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil // already terminal
	}

	description := fmt.Sprintf("Automatic refund - expired activation #%d (%s)", activationID, phoneNumber)
	refund, err := s.ledger.CreditTx(ctx, tx, customerID, sellingPrice,
		models.TxTypeRefund, models.TxOriginSystem, description, &activationID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit expire: %w", err)
	}

	log.Printf("[Sweep] Activation %d expired, %d cents refunded to customer %d (balance %d -> %d)",
		activationID, sellingPrice, customerID, refund.BalanceBefore, refund.BalanceAfter)
	s.notify(customerID, EventActivationExpired, "Activation expired",
		fmt.Sprintf("Number %s received no SMS and was refunded", phoneNumber),
		map[string]any{"activationId": activationID, "refund": sellingPrice})
	return nil
}

// SweepAll runs the expiration sweep for every customer holding stale
// activations. Safe to run concurrently with reads and with itself.
func (s *ActivationService) SweepAll(ctx context.Context) error {
	cutoff := time.Now().Add(-ExpirationWindow)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT customer_id FROM activations
		WHERE status IN ($1, $2) AND sms_code IS NULL AND created_at < $3`,
		models.ActivationPending, models.ActivationActive, cutoff)
	if err != nil {
		return fmt.Errorf("query stale customers: %w", err)
	}

	var customerIDs []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		customerIDs = append(customerIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, customerID := range customerIDs {
		if err := s.ExpireStale(ctx, customerID); err != nil {
			log.Printf("[Sweep] Sweep failed for customer %d: %v", customerID, err)
		}
	}
	return nil
}

// PollActivations refreshes pending codes for the customer's live
// activations. Activations with a degenerate id are looked up by phone number
// in the provider's current-orders listing, fetched once per provider; all
// others are polled by id. Code arrival never changes the lifecycle status.
func (s *ActivationService) PollActivations(ctx context.Context, customerID int) error {
	activations, err := s.listLive(ctx, customerID)
	if err != nil {
		return err
	}
	if len(activations) == 0 {
		return nil
	}

	// One current-orders listing per provider, fetched lazily.
	listings := make(map[int][]provider.ActiveOrder)

	for i := range activations {
		activation := &activations[i]
		if err := s.pollOne(ctx, activation, listings); err != nil {
			log.Printf("[Poll] Error polling activation %d: %v", activation.ID, err)
		}
	}
	return nil
}

func (s *ActivationService) pollOne(ctx context.Context, activation *models.Activation, listings map[int][]provider.ActiveOrder) error {
	if activation.ProviderID <= 0 {
		return nil
	}
	cfg, err := s.registry.GetByID(ctx, activation.ProviderID)
	if err != nil {
		return err
	}
	client := s.registry.ClientFor(cfg)

	if activation.HasDegenerateID() {
		orders, ok := listings[cfg.ID]
		if !ok {
			orders, err = client.GetCurrentActivations(ctx)
			if err != nil {
				return err
			}
			listings[cfg.ID] = orders
		}

		for _, order := range orders {
			if order.PhoneNumber == activation.PhoneNumber ||
				order.PhoneNumber == strings.TrimPrefix(activation.PhoneNumber, "+") {
				if order.SmsCode != "" {
					return s.recordSms(ctx, activation, order.SmsCode, provider.StatusReceived)
				}
				break
			}
		}
		return nil
	}

	status, err := client.GetStatus(ctx, activation.ProviderActivationID)
	if err != nil {
		return err
	}

	if (status.Status == provider.StatusReceived || status.Status == provider.StatusRetry) && status.Code != "" {
		return s.recordSms(ctx, activation, status.Code, status.Status)
	}
	return nil
}

// recordSms appends a newly observed code and refreshes the cached one.
// Idempotent: a code already stored for the activation is not inserted twice.
func (s *ActivationService) recordSms(ctx context.Context, activation *models.Activation, code, providerStatus string) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sms_messages (activation_id, code, received_at)
		VALUES ($1, $2, $3) ON CONFLICT (activation_id, code) DO NOTHING`,
		activation.ID, code, time.Now())
	if err != nil {
		return fmt.Errorf("insert sms message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE activations SET sms_code = $1, provider_status = $2 WHERE id = $3`,
		code, providerStatus, activation.ID); err != nil {
		return fmt.Errorf("update cached sms code: %w", err)
	}
	activation.SmsCode = &code
	activation.ProviderStatus = providerStatus

	if inserted, err := result.RowsAffected(); err == nil && inserted > 0 {
		log.Printf("[Poll] SMS received for activation %d", activation.ID)
		s.notify(activation.CustomerID, EventSmsReceived, "SMS received",
			fmt.Sprintf("Code received for %s", activation.PhoneNumber),
			map[string]any{"activationId": activation.ID, "code": code})
	}
	return nil
}

// GetMyActivations returns the customer's live activations, running the
// expiration pre-check first and then refreshing codes upstream.
func (s *ActivationService) GetMyActivations(ctx context.Context, customerID int) ([]models.Activation, error) {
	if err := s.ExpireStale(ctx, customerID); err != nil {
		log.Printf("[Sweep] Inline sweep failed for customer %d: %v", customerID, err)
	}
	if err := s.PollActivations(ctx, customerID); err != nil {
		log.Printf("[Poll] Polling failed for customer %d: %v", customerID, err)
	}
	return s.listLive(ctx, customerID)
}

const activationColumns = `id, customer_id, country_id, service_id, provider_id, provider_activation_id,
		phone_number, status, COALESCE(provider_status, ''), sms_code, selling_price, provider_cost, profit,
		created_at, completed_at`

func scanActivation(row interface{ Scan(...any) error }) (*models.Activation, error) {
	var a models.Activation
	err := row.Scan(&a.ID, &a.CustomerID, &a.CountryID, &a.ServiceID, &a.ProviderID, &a.ProviderActivationID,
		&a.PhoneNumber, &a.Status, &a.ProviderStatus, &a.SmsCode, &a.SellingPrice, &a.ProviderCost, &a.Profit,
		&a.CreatedAt, &a.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *ActivationService) listLive(ctx context.Context, customerID int) ([]models.Activation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activationColumns+` FROM activations
		WHERE customer_id = $1 AND status IN ($2, $3)
		ORDER BY created_at DESC`,
		customerID, models.ActivationPending, models.ActivationActive)
	if err != nil {
		return nil, fmt.Errorf("query live activations: %w", err)
	}
	defer rows.Close()

	var activations []models.Activation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		activations = append(activations, *a)
	}
	return activations, rows.Err()
}

// ListHistory returns finished or stale activations, newest first.
func (s *ActivationService) ListHistory(ctx context.Context, customerID, page, limit int) ([]models.Activation, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	cutoff := time.Now().Add(-ExpirationWindow)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+activationColumns+` FROM activations
		WHERE customer_id = $1 AND (status NOT IN ($2, $3) OR created_at <= $4)
		ORDER BY created_at DESC LIMIT $5 OFFSET $6`,
		customerID, models.ActivationPending, models.ActivationActive, cutoff, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("query activation history: %w", err)
	}
	defer rows.Close()

	var activations []models.Activation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		activations = append(activations, *a)
	}
	return activations, rows.Err()
}

// GetSmsMessages returns every code recorded for an activation.
func (s *ActivationService) GetSmsMessages(ctx context.Context, activationID int) ([]models.SmsMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, activation_id, code, received_at FROM sms_messages
		WHERE activation_id = $1 ORDER BY received_at ASC`, activationID)
	if err != nil {
		return nil, fmt.Errorf("query sms messages: %w", err)
	}
	defer rows.Close()

	var messages []models.SmsMessage
	for rows.Next() {
		var m models.SmsMessage
		if err := rows.Scan(&m.ID, &m.ActivationID, &m.Code, &m.ReceivedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *ActivationService) getCustomer(ctx context.Context, customerID int) (*models.Customer, error) {
	var c models.Customer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, balance, active, banned FROM customers WHERE id = $1`,
		customerID).Scan(&c.ID, &c.Email, &c.Name, &c.Balance, &c.Active, &c.Banned)
	if err == sql.ErrNoRows {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query customer: %w", err)
	}
	return &c, nil
}

func (s *ActivationService) getPrice(ctx context.Context, countryID, serviceID int, providerID *int) (*models.PriceDetail, error) {
	query := `SELECT p.id, p.country_id, p.service_id, p.provider_id, p.selling_price, p.provider_cost,
			s.name, s.code, c.name, c.code
		FROM prices p
		JOIN services s ON s.id = p.service_id
		JOIN countries c ON c.id = p.country_id
		WHERE p.country_id = $1 AND p.service_id = $2`
	args := []any{countryID, serviceID}
	if providerID != nil {
		query += ` AND p.provider_id = $3`
		args = append(args, *providerID)
	}
	query += ` ORDER BY p.selling_price ASC LIMIT 1`

	var p models.PriceDetail
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&p.ID, &p.CountryID, &p.ServiceID, &p.ProviderID, &p.SellingPrice, &p.ProviderCost,
		&p.ServiceName, &p.ServiceCode, &p.CountryName, &p.CountryCode)
	if err == sql.ErrNoRows {
		return nil, ErrPriceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query price: %w", err)
	}
	return &p, nil
}

func (s *ActivationService) countActiveOrders(ctx context.Context, customerID, providerID int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activations
		WHERE customer_id = $1 AND provider_id = $2 AND status IN ($3, $4)`,
		customerID, providerID, models.ActivationPending, models.ActivationActive).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active orders: %w", err)
	}
	return count, nil
}

func (s *ActivationService) insertActivationTx(ctx context.Context, tx *sql.Tx, a *models.Activation) (int, error) {
	var id int
	err := tx.QueryRowContext(ctx,
		`INSERT INTO activations
			(customer_id, country_id, service_id, provider_id, provider_activation_id, phone_number,
			status, selling_price, provider_cost, profit, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		a.CustomerID, a.CountryID, a.ServiceID, a.ProviderID, a.ProviderActivationID, a.PhoneNumber,
		a.Status, a.SellingPrice, a.ProviderCost, a.Profit, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert activation: %w", err)
	}
	return id, nil
}

func (s *ActivationService) getOwnedActivation(ctx context.Context, customerID, activationID int) (*models.Activation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE id = $1`, activationID)
	activation, err := scanActivation(row)
	if err == sql.ErrNoRows {
		return nil, ErrActivationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query activation: %w", err)
	}
	if activation.CustomerID != customerID {
		return nil, ErrActivationNotFound
	}
	return activation, nil
}

func (s *ActivationService) setStatusTx(ctx context.Context, tx *sql.Tx, activationID int, status string, completedAt *time.Time) error {
	var err error
	if completedAt != nil {
		_, err = tx.ExecContext(ctx, `UPDATE activations SET status = $1, completed_at = $2 WHERE id = $3`,
			status, *completedAt, activationID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE activations SET status = $1 WHERE id = $2`, status, activationID)
	}
	if err != nil {
		return fmt.Errorf("update activation status: %w", err)
	}
	return nil
}

// checkOrderCeilings enforces a provider's abuse controls before a
// reservation: the cancellation block window and the simultaneous-order
// limit. The legacy settings-key provider (id 0) carries neither.
func (s *ActivationService) checkOrderCeilings(ctx context.Context, customerID int, cfg *models.ProviderConfig) error {
	if cfg.ID <= 0 {
		return nil
	}
	if err := s.checkCancellationBlock(ctx, customerID, cfg); err != nil {
		return err
	}
	if cfg.MaxSimultaneousOrders > 0 {
		active, err := s.countActiveOrders(ctx, customerID, cfg.ID)
		if err != nil {
			return err
		}
		if active >= cfg.MaxSimultaneousOrders {
			log.Printf("[AbuseControl] Customer %d exceeded simultaneous orders limit for %s (%d/%d)",
				customerID, cfg.Name, active, cfg.MaxSimultaneousOrders)
			return &OrderLimitError{ProviderName: cfg.Name, Active: active, Limit: cfg.MaxSimultaneousOrders}
		}
	}
	return nil
}

// checkCancellationBlock rejects purchases while the customer is inside a
// provider's cancellation-abuse block window.
func (s *ActivationService) checkCancellationBlock(ctx context.Context, customerID int, cfg *models.ProviderConfig) error {
	if cfg.CancelLimit <= 0 || cfg.CancelWindowMinutes <= 0 {
		return nil
	}

	windowStart := time.Now().Add(-time.Duration(cfg.CancelWindowMinutes) * time.Minute)
	var count int
	var lastCancellation sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(created_at) FROM cancellation_logs
		WHERE customer_id = $1 AND provider_id = $2 AND created_at >= $3`,
		customerID, cfg.ID, windowStart).Scan(&count, &lastCancellation)
	if err != nil {
		return fmt.Errorf("count cancellations: %w", err)
	}

	if count < cfg.CancelLimit || !lastCancellation.Valid {
		return nil
	}

	blockExpiresAt := lastCancellation.Time.Add(time.Duration(cfg.BlockDurationMinutes) * time.Minute)
	remaining := time.Until(blockExpiresAt)
	if remaining <= 0 {
		return nil
	}

	minutes := int(remaining.Minutes()) + 1
	log.Printf("[AbuseControl] Customer %d blocked for %d more minutes on provider %s (%d cancellations in window)",
		customerID, minutes, cfg.Name, count)
	return &CancellationBlockedError{RemainingMinutes: minutes}
}

func (s *ActivationService) recordCancellation(ctx context.Context, customerID, providerID, activationID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cancellation_logs (customer_id, provider_id, activation_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		customerID, providerID, activationID, time.Now())
	return err
}

// ---- HTTP handlers ----

func (s *ActivationService) writeError(w http.ResponseWriter, err error) {
	var tooEarly *CancelTooEarlyError
	var orderLimit *OrderLimitError
	var blocked *CancellationBlockedError

	switch {
	case errors.Is(err, ErrInsufficientBalance):
		SendErrorResponse(w, err.Error(), http.StatusPaymentRequired, nil)
	case errors.Is(err, ErrCustomerNotFound), errors.Is(err, ErrActivationNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrCustomerInactive):
		SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
	case errors.Is(err, ErrActivationNotActive), errors.Is(err, ErrActivationFinalized),
		errors.Is(err, ErrNoSmsCode), errors.Is(err, ErrPriceNotFound),
		errors.As(err, &tooEarly), errors.As(err, &orderLimit), errors.As(err, &blocked):
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, ErrCustomerBusy):
		SendErrorResponse(w, err.Error(), http.StatusTooManyRequests, nil)
	case errors.Is(err, provider.ErrUnavailable), provider.IsRateLimited(err):
		SendErrorResponse(w, provider.ErrUnavailable.Error(), http.StatusServiceUnavailable, nil)
	default:
		log.Printf("[Activations] Unexpected error: %v", err)
		SendErrorResponse(w, "Operation failed", http.StatusInternalServerError, nil)
	}
}

// Purchase handles POST /activations
// @Summary Purchase an SMS number
// @Tags activations
// @Accept json
// @Produce json
// @Router /activations [post]
func (s *ActivationService) Purchase(w http.ResponseWriter, r *http.Request) {
	customerID, ok := CustomerIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	req.CustomerID = customerID

	result, err := s.PurchaseNumber(r.Context(), req)
	if err != nil {
		if _, ok := err.(validator.ValidationErrors); ok {
			SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
			return
		}
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// Cancel handles POST /activations/{activationId}/cancel
func (s *ActivationService) Cancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.CancelActivation)
}

// Complete handles POST /activations/{activationId}/complete
func (s *ActivationService) Complete(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.CompleteActivation)
}

// Retry handles POST /activations/{activationId}/retry
func (s *ActivationService) Retry(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.RequestNewSms)
}

func (s *ActivationService) lifecycleAction(w http.ResponseWriter, r *http.Request, action func(context.Context, int, int) error) {
	customerID, ok := CustomerIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	activationID, err := strconv.Atoi(chi.URLParam(r, "activationId"))
	if err != nil {
		SendErrorResponse(w, "Invalid activation id", http.StatusBadRequest, nil)
		return
	}

	if err := action(r.Context(), customerID, activationID); err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// List handles GET /activations
func (s *ActivationService) List(w http.ResponseWriter, r *http.Request) {
	customerID, ok := CustomerIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	activations, err := s.GetMyActivations(r.Context(), customerID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"activations": activations})
}

// History handles GET /activations/history
func (s *ActivationService) History(w http.ResponseWriter, r *http.Request) {
	customerID, ok := CustomerIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	activations, err := s.ListHistory(r.Context(), customerID, page, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"activations": activations,
		"page":        page,
	})
}

// Messages handles GET /activations/{activationId}/messages
func (s *ActivationService) Messages(w http.ResponseWriter, r *http.Request) {
	customerID, ok := CustomerIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	activationID, err := strconv.Atoi(chi.URLParam(r, "activationId"))
	if err != nil {
		SendErrorResponse(w, "Invalid activation id", http.StatusBadRequest, nil)
		return
	}

	if _, err := s.getOwnedActivation(r.Context(), customerID, activationID); err != nil {
		s.writeError(w, err)
		return
	}

	messages, err := s.GetSmsMessages(r.Context(), activationID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"messages": messages})
}
