package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/tmaxmax/go-sse"
	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type subState int

const (
	subPending subState = iota
	subConnected
	subClosed
)

// subscription tracks the life of one stream connection. Its disconnect
// func runs exactly once; a close requested before the connection is
// attached runs when it attaches.
type subscription struct {
	mu           sync.Mutex
	state        subState
	closePending bool
	disconnect   func()
}

func (s *subscription) attach(disconnect func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != subPending {
		return
	}
	s.disconnect = disconnect
	if s.closePending {
		s.state = subClosed
		disconnect()
		return
	}
	s.state = subConnected
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case subPending:
		s.closePending = true
	case subConnected:
		s.state = subClosed
		s.disconnect()
	}
}

// Stream resolves an order from the provider's server-sent events. It opens
// exactly one connection and never reconnects.
type Stream struct {
	httpClient *http.Client
	url        string
	logger     logger.Logger
}

func NewStream(httpClient *http.Client, streamURL string, log logger.Logger) *Stream {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Stream{
		httpClient: httpClient,
		url:        streamURL,
		logger:     logger.OrNoop(log).Named("sse"),
	}
}

type streamResult struct {
	outcome *Outcome
	err     error
}

func (s *Stream) Wait(ctx context.Context, orderID string) (*Outcome, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, types.WrapError(types.ErrInvalidProviderURL, "invalid stream url", err)
	}

	sub := &subscription{}
	client := &sse.Client{
		HTTPClient: s.httpClient,
		ResponseValidator: func(resp *http.Response) error {
			if resp.StatusCode != http.StatusOK {
				return types.Errorf(statusCode(resp.StatusCode), "event stream answered %d", resp.StatusCode)
			}
			if err := sse.DefaultValidator(resp); err != nil {
				return types.WrapError(types.ErrInvalidResponse, "invalid event stream", err)
			}
			sub.attach(cancel)
			return nil
		},
		Backoff: sse.Backoff{MaxRetries: -1},
	}
	conn := client.NewConnection(req)

	results := make(chan streamResult, 1)
	deliver := func(r streamResult) {
		select {
		case results <- r:
		default:
		}
		sub.close()
	}

	conn.SubscribeEvent(types.EventCompleted, func(e sse.Event) {
		ev := s.decode(e)
		deliver(streamResult{outcome: &Outcome{
			OrderID:     orderID,
			Status:      types.StatusDelivered,
			ContentHash: ev.ContentHash,
			Source:      "sse",
		}})
	})
	conn.SubscribeEvent(types.EventFailed, func(e sse.Event) {
		deliver(streamResult{err: deliveryFailed(orderID, s.decode(e).Reason)})
	})
	conn.SubscribeEvent(types.EventExhausted, func(e sse.Event) {
		reason := s.decode(e).Reason
		if reason == "" {
			reason = "fulfillment retries exhausted"
		}
		deliver(streamResult{err: deliveryFailed(orderID, reason)})
	})

	connErr := conn.Connect()

	select {
	case r := <-results:
		return r.outcome, r.err
	default:
	}

	if ctx.Err() != nil {
		return nil, types.WrapOp("await", ctx.Err())
	}
	if ie, ok := types.AsError(connErr); ok {
		return nil, ie
	}

	s.logger.Debug("stream ended without a terminal event", map[string]any{
		"order_id": orderID,
		"error":    connErr,
	})
	return nil, types.WrapError(types.ErrStreamExhausted,
		"event stream for order "+orderID+" ended without a result", unwrapConnErr(connErr))
}

func (s *Stream) decode(e sse.Event) types.StreamEvent {
	var ev types.StreamEvent
	if err := json.Unmarshal([]byte(e.Data), &ev); err != nil {
		s.logger.Warn("undecodable stream event", map[string]any{"type": e.Type, "error": err})
	}
	return ev
}

func statusCode(status int) string {
	switch {
	case status == http.StatusNotFound:
		return types.ErrNotFound
	case status >= 500:
		return types.ErrServiceUnavailable
	default:
		return types.ErrHTTP
	}
}

func unwrapConnErr(err error) error {
	var ce *sse.ConnectionError
	if errors.As(err, &ce) && ce.Err != nil {
		return ce.Err
	}
	return err
}
