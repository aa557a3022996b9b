package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"codexbridge/internal/metrics"
)

// MaxPollAttempts bounds the background polling loop; with the default 5s
// interval that is the grant's 900s lifetime.
const MaxPollAttempts = 60

// ErrFlowInProgress is returned by Start when a device flow is already
// being polled; overlapping flows for the same user would race on the
// persisted tokens.
var ErrFlowInProgress = errors.New("auth: a device authorization flow is already in progress")

// Poller drives the background token polling after an Initiate. Its only
// observable effects are connection-state transitions and persisted-token
// writes.
type Poller struct {
	flow   *Flow
	tokens *TokenManager
	state  *StateStore
	logger *zap.Logger

	interval time.Duration // fixed override, 0 = use the grant's interval

	mu     sync.Mutex
	active *Handle
}

func NewPoller(flow *Flow, tokens *TokenManager, state *StateStore, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		flow:   flow,
		tokens: tokens,
		state:  state,
		logger: logger.Named("devicepoll"),
	}
}

// OverrideInterval forces a fixed delay between polls regardless of the
// grant's interval.
func (p *Poller) OverrideInterval(d time.Duration) {
	p.interval = d
}

// Handle tracks one background polling task.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the polling task has fully stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop cancels the task and waits for it to finish.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Start launches the polling loop for a freshly initiated grant and
// returns immediately. Only one flow may be live at a time.
func (p *Poller) Start(ctx context.Context, grant *DeviceGrant) (*Handle, error) {
	p.mu.Lock()
	if p.active != nil {
		select {
		case <-p.active.done:
			p.active = nil
		default:
			p.mu.Unlock()
			return nil, ErrFlowInProgress
		}
	}

	pollCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	p.active = h
	p.mu.Unlock()

	p.state.Set(ConnState{
		Status:          StatusAwaiting,
		VerificationURL: grant.VerificationURL,
		UserCode:        grant.UserCode,
	})

	go func() {
		defer close(h.done)
		defer cancel()
		p.run(pollCtx, grant)
	}()

	return h, nil
}

// StopActive cancels the live flow, if any, and waits for it to stop.
func (p *Poller) StopActive() {
	p.mu.Lock()
	h := p.active
	p.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

func (p *Poller) run(ctx context.Context, grant *DeviceGrant) {
	interval := p.interval
	if interval <= 0 {
		interval = time.Duration(grant.Interval) * time.Second
	}

	for attempt := 1; attempt <= MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			p.logger.Info("device polling cancelled", zap.Int("attempt", attempt))
			return
		case <-time.After(interval):
		}

		metrics.DevicePollsTotal.Inc()
		tok, err := p.flow.Poll(ctx, grant.DeviceCode)
		if err != nil {
			p.logger.Error("device polling failed", zap.Int("attempt", attempt), zap.Error(err))
			p.state.Set(ConnState{Status: StatusError, Message: err.Error()})
			return
		}
		if tok == nil {
			p.logger.Debug("authorization still pending", zap.Int("attempt", attempt))
			continue
		}

		if err := p.tokens.StoreTokens(ctx, tok); err != nil {
			p.logger.Error("persisting tokens failed", zap.Error(err))
			p.state.Set(ConnState{Status: StatusError, Message: "failed to persist credentials"})
			return
		}

		p.logger.Info("device authorization succeeded", zap.Int("attempts", attempt))
		p.state.Set(ConnState{Status: StatusConnected})
		return
	}

	p.logger.Warn("device polling exhausted all attempts", zap.Int("max_attempts", MaxPollAttempts))
	p.state.Set(ConnState{Status: StatusError, Message: "device authorization timed out; start the login again"})
}
