package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/peervault/peervault/internal/metrics"
	"github.com/peervault/peervault/internal/retry"
)

// HTTPGateway talks to the custody provider's HTTP API. All operations
// go through a single endpoint that dispatches on the "action" field.
// Calls are wrapped in a circuit breaker so a flapping provider trips
// fast instead of exhausting request deadlines.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway builds a gateway against the provider at baseURL.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "custody",
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type providerRequest struct {
	Action             string `json:"action"`
	TradeID            string `json:"trade_id"`
	Asset              string `json:"asset,omitempty"`
	DestinationAddress string `json:"destination_address,omitempty"`
}

type providerResponse struct {
	VaultID          string          `json:"vault_id"`
	DepositAddress   string          `json:"deposit_address"`
	Balance          decimal.Decimal `json:"balance"`
	HasReceivedFunds bool            `json:"has_received_funds"`
	TransactionID    string          `json:"transaction_id"`
	Error            string          `json:"error"`
}

func (g *HTTPGateway) CreateVault(ctx context.Context, tradeID, asset string) (*Vault, error) {
	resp, err := g.call(ctx, "create_vault", providerRequest{
		Action:  "create_vault",
		TradeID: tradeID,
		Asset:   asset,
	})
	if err != nil {
		return nil, err
	}
	return &Vault{
		VaultRef:       resp.VaultID,
		DepositAddress: resp.DepositAddress,
	}, nil
}

func (g *HTTPGateway) GetBalance(ctx context.Context, tradeID string) (*BalanceReport, error) {
	resp, err := g.call(ctx, "check_balance", providerRequest{
		Action:  "check_balance",
		TradeID: tradeID,
	})
	if err != nil {
		return nil, err
	}
	return &BalanceReport{
		Balance:                   resp.Balance,
		HasReceivedExpectedAmount: resp.HasReceivedFunds,
	}, nil
}

func (g *HTTPGateway) Release(ctx context.Context, tradeID, destAddress string) (*Receipt, error) {
	resp, err := g.call(ctx, "release_funds", providerRequest{
		Action:             "release_funds",
		TradeID:            tradeID,
		DestinationAddress: destAddress,
	})
	if err != nil {
		return nil, err
	}
	return &Receipt{TxRef: resp.TransactionID}, nil
}

func (g *HTTPGateway) call(ctx context.Context, op string, req providerRequest) (*providerResponse, error) {
	var out *providerResponse
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		result, err := g.breaker.Execute(func() (any, error) {
			return g.doRequest(ctx, req)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return retry.Permanent(fmt.Errorf("%w: circuit open", ErrUnavailable))
			}
			return err
		}
		out = result.(*providerResponse)
		return nil
	})
	if err != nil {
		metrics.CustodyCallsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.CustodyCallsTotal.WithLabelValues(op, "ok").Inc()
	return out, nil
}

func (g *HTTPGateway) doRequest(ctx context.Context, req providerRequest) (*providerResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal custody request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build custody request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return nil, retry.Permanent(ErrVaultNotFound)
	case httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: provider returned %d", ErrUnavailable, httpResp.StatusCode)
	case httpResp.StatusCode >= 400:
		var pr providerResponse
		_ = json.Unmarshal(respBody, &pr)
		if pr.Error != "" {
			return nil, retry.Permanent(fmt.Errorf("custody provider rejected request: %s", pr.Error))
		}
		return nil, retry.Permanent(fmt.Errorf("custody provider returned %d", httpResp.StatusCode))
	}

	var pr providerResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return &pr, nil
}
