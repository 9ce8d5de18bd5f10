package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/peervault/peervault/internal/idgen"
)

// Fake is an in-memory custody provider used in development mode and
// tests. Vaults are keyed by trade ID and operations are idempotent.
type Fake struct {
	mu     sync.Mutex
	vaults map[string]*fakeVault
}

type fakeVault struct {
	vault    Vault
	balance  decimal.Decimal
	funded   bool
	released *Receipt
}

var _ Gateway = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{vaults: make(map[string]*fakeVault)}
}

func (f *Fake) CreateVault(_ context.Context, tradeID, asset string) (*Vault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.vaults[tradeID]; ok {
		v := existing.vault
		return &v, nil
	}

	v := Vault{
		VaultRef:       idgen.WithPrefix("vlt_"),
		DepositAddress: fmt.Sprintf("%s%s", asset, idgen.Hex(20)),
	}
	f.vaults[tradeID] = &fakeVault{vault: v}
	out := v
	return &out, nil
}

func (f *Fake) GetBalance(_ context.Context, tradeID string) (*BalanceReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fv, ok := f.vaults[tradeID]
	if !ok {
		return nil, ErrVaultNotFound
	}
	return &BalanceReport{
		Balance:                   fv.balance,
		HasReceivedExpectedAmount: fv.funded,
	}, nil
}

func (f *Fake) Release(_ context.Context, tradeID, _ string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fv, ok := f.vaults[tradeID]
	if !ok {
		return nil, ErrVaultNotFound
	}
	if fv.released != nil {
		r := *fv.released
		return &r, nil
	}
	r := &Receipt{TxRef: idgen.WithPrefix("tx_")}
	fv.released = r
	out := *r
	return &out, nil
}

// Fund marks a trade's vault as having received the expected amount.
// Test helper; the real provider observes deposits on-chain.
func (f *Fake) Fund(tradeID string, balance decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fv, ok := f.vaults[tradeID]
	if !ok {
		return ErrVaultNotFound
	}
	fv.balance = balance
	fv.funded = true
	return nil
}
