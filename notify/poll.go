package notify

import (
	"context"
	"time"

	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/types"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollAttempts = 60
)

// StatusSource reads an order's status from a provider.
type StatusSource interface {
	GetStatus(ctx context.Context, providerURL, orderID string) (*types.OrderStatusResponse, error)
}

// Poller resolves an order by polling its status.
type Poller struct {
	source      StatusSource
	providerURL string
	interval    time.Duration
	attempts    int
	logger      logger.Logger
}

type PollOption func(*Poller)

func WithInterval(d time.Duration) PollOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithAttempts(n int) PollOption {
	return func(p *Poller) {
		if n > 0 {
			p.attempts = n
		}
	}
}

func WithPollLogger(l logger.Logger) PollOption {
	return func(p *Poller) {
		p.logger = l
	}
}

func NewPoller(source StatusSource, providerURL string, opts ...PollOption) *Poller {
	p := &Poller{
		source:      source,
		providerURL: providerURL,
		interval:    DefaultPollInterval,
		attempts:    DefaultPollAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.OrNoop(p.logger).Named("poll")
	return p
}

func (p *Poller) Wait(ctx context.Context, orderID string) (*Outcome, error) {
	for attempt := 1; attempt <= p.attempts; attempt++ {
		status, err := p.source.GetStatus(ctx, p.providerURL, orderID)
		switch {
		case err != nil && !types.IsRetryable(err):
			return nil, err
		case err != nil:
			p.logger.Debug("status check failed, retrying", map[string]any{
				"order_id": orderID,
				"attempt":  attempt,
				"error":    err,
			})
		case status.Status == types.StatusDelivered || status.Status == types.StatusConfirmed:
			return &Outcome{
				OrderID:     orderID,
				Status:      status.Status,
				ContentHash: status.ContentHash,
				Source:      "poll",
			}, nil
		case status.Status == types.StatusDeliveryFailed:
			return nil, deliveryFailed(orderID, "")
		}

		if attempt == p.attempts {
			break
		}
		if err := sleep(ctx, p.interval); err != nil {
			return nil, types.WrapOp("await", err)
		}
	}

	return nil, types.Errorf(types.ErrTimeout, "order %s not resolved after %d polling attempts", orderID, p.attempts)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
