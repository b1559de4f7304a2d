package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/numzap/backend/internal/models"
	"github.com/skip2/go-qrcode"
)

const (
	chargeTTL         = 30 * time.Minute
	minRechargeAmount = 500 // cents
)

var (
	ErrChargeNotFound      = errors.New("charge not found or expired")
	ErrRechargeTooSmall    = fmt.Errorf("minimum recharge amount is %d cents", minRechargeAmount)
	ErrRechargeUnavailable = errors.New("recharges are temporarily unavailable")
)

// Charge is a pending PIX recharge held in redis until the payment webhook
// confirms it or the TTL runs out.
type Charge struct {
	ID         string    `json:"id"`
	CustomerID int       `json:"customer_id"`
	Amount     int64     `json:"amount"`
	Payload    string    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// RechargeService creates PIX charges and credits the ledger when the payment
// gateway confirms them. A charge is deleted from redis atomically with its
// confirmation, so a replayed webhook cannot credit twice. Charges live only
// in redis: with a nil client every operation reports ErrRechargeUnavailable
// instead of panicking.
type RechargeService struct {
	redis    *redis.Client
	ledger   *LedgerService
	notifier Notifier
	locks    *LockManager
}

func NewRechargeService(redisClient *redis.Client, ledger *LedgerService, locks *LockManager, notifier Notifier) *RechargeService {
	return &RechargeService{
		redis:    redisClient,
		ledger:   ledger,
		locks:    locks,
		notifier: notifier,
	}
}

func chargeKey(id string) string {
	return "charge:" + id
}

// CreateCharge builds a PIX payload and QR image for the given amount.
// Returns the charge and the QR code PNG, base64 encoded.
func (s *RechargeService) CreateCharge(ctx context.Context, customerID int, amount int64) (*Charge, string, error) {
	if s.redis == nil {
		return nil, "", ErrRechargeUnavailable
	}
	if amount < minRechargeAmount {
		return nil, "", ErrRechargeTooSmall
	}

	charge := &Charge{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Amount:     amount,
		CreatedAt:  time.Now(),
	}
	charge.Payload = fmt.Sprintf("numzap:pix:%s:%d", charge.ID, amount)

	data, err := json.Marshal(charge)
	if err != nil {
		return nil, "", err
	}
	if err := s.redis.Set(ctx, chargeKey(charge.ID), data, chargeTTL).Err(); err != nil {
		return nil, "", fmt.Errorf("store charge: %w", err)
	}

	qr, err := qrcode.New(charge.Payload, qrcode.Medium)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return nil, "", err
	}

	log.Printf("[Recharge] Charge %s created for customer %d: %d cents", charge.ID, customerID, amount)
	return charge, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// GetCharge returns a pending charge, or ErrChargeNotFound once it is paid or
// expired.
func (s *RechargeService) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	if s.redis == nil {
		return nil, ErrRechargeUnavailable
	}
	data, err := s.redis.Get(ctx, chargeKey(chargeID)).Bytes()
	if err == redis.Nil {
		return nil, ErrChargeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load charge: %w", err)
	}

	var charge Charge
	if err := json.Unmarshal(data, &charge); err != nil {
		return nil, fmt.Errorf("decode charge: %w", err)
	}
	return &charge, nil
}

// ConfirmPayment credits the customer's balance for a confirmed charge. The
// credit runs inside the customer's lock like every other balance mutation.
// Idempotent: the charge is consumed before crediting, so a second webhook for
// the same charge finds nothing.
func (s *RechargeService) ConfirmPayment(ctx context.Context, chargeID string) (*LedgerResult, error) {
	if s.redis == nil {
		return nil, ErrRechargeUnavailable
	}
	data, err := s.redis.GetDel(ctx, chargeKey(chargeID)).Bytes()
	if err == redis.Nil {
		return nil, ErrChargeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume charge: %w", err)
	}

	var charge Charge
	if err := json.Unmarshal(data, &charge); err != nil {
		return nil, fmt.Errorf("decode charge: %w", err)
	}

	var result *LedgerResult
	err = s.locks.ExecuteWithLock(ctx, charge.CustomerID, func(ctx context.Context) error {
		description := fmt.Sprintf("Balance recharge via PIX - charge %s", charge.ID)
		result, err = s.ledger.Credit(ctx, charge.CustomerID, charge.Amount,
			models.TxTypeCredit, models.TxOriginAPI, description, nil)
		return err
	})
	if err != nil {
		// Put the charge back so the gateway retry can succeed.
		if restoreErr := s.redis.Set(ctx, chargeKey(chargeID), data, chargeTTL).Err(); restoreErr != nil {
			log.Printf("[Recharge] Failed to restore charge %s after credit error: %v", chargeID, restoreErr)
		}
		return nil, err
	}

	log.Printf("[Recharge] Charge %s confirmed: customer %d credited %d cents (balance %d -> %d)",
		charge.ID, charge.CustomerID, charge.Amount, result.BalanceBefore, result.BalanceAfter)

	if s.notifier != nil {
		s.notifier.SendToCustomer(charge.CustomerID, Notification{
			Type:    EventRechargeCompleted,
			Title:   "Recharge completed",
			Message: fmt.Sprintf("Your balance was credited with %d cents", charge.Amount),
			Data:    map[string]any{"chargeId": charge.ID, "amount": charge.Amount},
		})
		s.notifier.SendToCustomer(charge.CustomerID, Notification{
			Type:    EventBalanceUpdated,
			Title:   "Balance updated",
			Message: "Your balance has changed",
			Data:    map[string]any{"balance": result.BalanceAfter},
		})
	}
	return result, nil
}
