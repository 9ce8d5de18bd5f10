// Package custody abstracts the external custody provider that holds
// escrowed crypto for the duration of a trade. Vaults are created per
// trade, polled for funding, and released to the counterparty's wallet
// when the trade completes.
package custody

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable indicates the custody provider could not be reached
	// or refused the request. Callers should surface this as a retryable
	// condition rather than failing the trade permanently.
	ErrUnavailable = errors.New("custody provider unavailable")

	// ErrVaultNotFound indicates no vault exists for the given trade.
	ErrVaultNotFound = errors.New("vault not found")
)

// Vault is the provider-side container created for a single trade.
type Vault struct {
	VaultRef       string `json:"vault_ref"`
	DepositAddress string `json:"deposit_address"`
}

// BalanceReport is a point-in-time view of a vault's funding state.
type BalanceReport struct {
	Balance                   decimal.Decimal `json:"balance"`
	HasReceivedExpectedAmount bool            `json:"has_received_expected_amount"`
}

// Receipt is returned after a successful release of escrowed funds.
type Receipt struct {
	TxRef string `json:"tx_ref"`
}

// Gateway is the custody provider abstraction. Implementations must be
// idempotent per trade ID: calling CreateVault twice for the same trade
// returns the same vault, and Release of an already-released vault
// returns the original receipt.
type Gateway interface {
	// CreateVault provisions escrow custody for a trade and returns the
	// deposit address the seller funds.
	CreateVault(ctx context.Context, tradeID, asset string) (*Vault, error)

	// GetBalance reports the current funding state of a trade's vault.
	GetBalance(ctx context.Context, tradeID string) (*BalanceReport, error)

	// Release moves the escrowed funds to destAddress. This is the
	// irreversible step of the trade lifecycle.
	Release(ctx context.Context, tradeID, destAddress string) (*Receipt, error)
}
