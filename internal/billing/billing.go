// Package billing keeps the per-user generation credit ledger and verifies
// payment-gateway callbacks.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"lexdraft/api/internal/store"
	"lexdraft/api/internal/util"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidSignature    = errors.New("invalid payment signature")
	ErrInvalidAmount       = errors.New("credit amount must be positive")
)

// VerifySignature checks the gateway's hex HMAC-SHA256 over "orderID|paymentID".
func VerifySignature(secret, orderID, paymentID, signature string) bool {
	if secret == "" || orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

type Store interface {
	GetCreditAccount(ctx context.Context, userID string) (store.CreditAccount, error)
	ApplyCreditTransaction(ctx context.Context, txn store.CreditTransaction) (store.CreditAccount, error)
}

type Ledger struct {
	store          Store
	secret         string
	creditsPerPack int
}

func NewLedger(backing Store, paymentSecret string, creditsPerPack int) *Ledger {
	return &Ledger{store: backing, secret: paymentSecret, creditsPerPack: creditsPerPack}
}

func (l *Ledger) Balance(ctx context.Context, userID string) (store.CreditAccount, error) {
	return l.store.GetCreditAccount(ctx, userID)
}

// Charge debits amount. The reference must be unique per charge.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int, reference string) (store.CreditAccount, error) {
	if amount <= 0 {
		return store.CreditAccount{}, ErrInvalidAmount
	}
	account, err := l.store.ApplyCreditTransaction(ctx, store.CreditTransaction{
		ID:        util.NewID("ctx"),
		UserID:    userID,
		Kind:      "charge",
		Amount:    -amount,
		Reference: "charge:" + reference,
	})
	if errors.Is(err, store.ErrInsufficientBalance) {
		return store.CreditAccount{}, ErrInsufficientCredits
	}
	if err != nil {
		return store.CreditAccount{}, fmt.Errorf("charge credits: %w", err)
	}
	return account, nil
}

// Refund returns a prior charge. Refunding the same reference twice is a no-op.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int, reference string) (store.CreditAccount, error) {
	if amount <= 0 {
		return store.CreditAccount{}, ErrInvalidAmount
	}
	account, err := l.store.ApplyCreditTransaction(ctx, store.CreditTransaction{
		ID:        util.NewID("ctx"),
		UserID:    userID,
		Kind:      "refund",
		Amount:    amount,
		Reference: "refund:" + reference,
	})
	if errors.Is(err, store.ErrDuplicateReference) {
		return l.store.GetCreditAccount(ctx, userID)
	}
	if err != nil {
		return store.CreditAccount{}, fmt.Errorf("refund credits: %w", err)
	}
	return account, nil
}

type PurchaseInput struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

// CompletePurchase credits one pack per verified payment id. Replays of the
// same payment return the current balance without crediting again.
func (l *Ledger) CompletePurchase(ctx context.Context, userID string, input PurchaseInput) (store.CreditAccount, error) {
	if !VerifySignature(l.secret, input.OrderID, input.PaymentID, input.Signature) {
		return store.CreditAccount{}, ErrInvalidSignature
	}
	account, err := l.store.ApplyCreditTransaction(ctx, store.CreditTransaction{
		ID:        util.NewID("ctx"),
		UserID:    userID,
		Kind:      "purchase",
		Amount:    l.creditsPerPack,
		Reference: "purchase:" + input.PaymentID,
	})
	if errors.Is(err, store.ErrDuplicateReference) {
		return l.store.GetCreditAccount(ctx, userID)
	}
	if err != nil {
		return store.CreditAccount{}, fmt.Errorf("complete purchase: %w", err)
	}
	return account, nil
}
