package trade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/peervault/peervault/internal/custody"
	"github.com/peervault/peervault/internal/metrics"
)

// Sessions runs one funding poller per trade in escrow status created.
// Each poller is independently cancellable: Stop(tradeID) or reaching
// funded/terminal ends that trade's loop without touching the others.
type Sessions struct {
	service  *Service
	gateway  custody.Gateway
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	baseCtx context.Context
	wg      sync.WaitGroup
	stopped bool
}

// NewSessions creates the poller manager. interval is how often each
// trade's vault balance is checked.
func NewSessions(service *Service, gateway custody.Gateway, interval time.Duration, logger *slog.Logger) *Sessions {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sessions{
		service:  service,
		gateway:  gateway,
		interval: interval,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
		baseCtx:  context.Background(),
	}
}

// Run resumes pollers for trades that were awaiting funding when the
// process last stopped, then blocks until ctx is cancelled.
func (s *Sessions) Run(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	trades, err := s.service.store.ListByEscrowStatus(ctx, EscrowCreated, 1000)
	if err != nil {
		s.logger.Error("failed to resume funding pollers", "error", err)
	} else {
		for _, t := range trades {
			s.Start(t.ID)
		}
		if len(trades) > 0 {
			s.logger.Info("resumed funding pollers", "count", len(trades))
		}
	}

	<-ctx.Done()
	s.StopAll()
}

// Start launches a funding poller for the trade. Starting twice for the
// same trade is a no-op.
func (s *Sessions) Start(tradeID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if _, running := s.cancels[tradeID]; running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancels[tradeID] = cancel
	s.mu.Unlock()

	metrics.ActiveFundingPollers.Inc()
	s.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("funding poller panic", "trade_id", tradeID, "panic", r)
			}
			s.remove(tradeID)
			metrics.ActiveFundingPollers.Dec()
			s.wg.Done()
		}()
		s.poll(ctx, tradeID)
	}()
}

// Stop cancels the trade's poller if one is running.
func (s *Sessions) Stop(tradeID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[tradeID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every poller and waits for them to exit.
func (s *Sessions) StopAll() {
	s.mu.Lock()
	s.stopped = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sessions) remove(tradeID string) {
	s.mu.Lock()
	delete(s.cancels, tradeID)
	s.mu.Unlock()
}

func (s *Sessions) poll(ctx context.Context, tradeID string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t, err := s.service.store.Get(ctx, tradeID)
		if err != nil {
			s.logger.Warn("funding poller lost its trade", "trade_id", tradeID, "error", err)
			return
		}
		if t.EscrowStatus != EscrowCreated {
			// Funded by another path or terminal; nothing left to watch.
			return
		}

		report, err := s.gateway.GetBalance(ctx, tradeID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("balance check failed", "trade_id", tradeID, "error", err)
			continue
		}
		if !report.HasReceivedExpectedAmount {
			continue
		}

		if err := s.service.HandleFunded(ctx, tradeID); err != nil {
			s.logger.Error("failed to mark trade funded", "trade_id", tradeID, "error", err)
			continue
		}
		s.logger.Info("escrow funded", "trade_id", tradeID, "balance", report.Balance)
		return
	}
}
