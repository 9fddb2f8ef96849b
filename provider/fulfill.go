package provider

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/vitwit/ivxp/metrics"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/utils"
)

// fulfill runs the service handler of a paid order until it succeeds, fails
// permanently, or runs out of attempts.
func (p *Provider) fulfill(orderID string) {
	defer p.wg.Done()

	ctx := p.ctx
	start := time.Now()

	order, err := p.store.Update(ctx, orderID, func(o *types.Order) error {
		return o.Transition(types.StatusProcessing, p.now())
	})
	if err != nil {
		p.logger.Error("failed to start fulfillment", map[string]any{"order_id": orderID, "error": err})
		return
	}

	handler := p.handlers[order.ServiceType]
	attempts := p.cfg.FulfillmentAttempts

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		d, err := handler.Handle(ctx, order.Clone())
		if err == nil {
			p.complete(order, d, start)
			return
		}
		lastErr = err

		if IsPermanent(err) || ctx.Err() != nil {
			p.fail(orderID, types.EventFailed, err, start)
			return
		}
		p.logger.Warn("service handler failed", map[string]any{
			"order_id": orderID,
			"attempt":  attempt,
			"error":    err,
		})

		if attempt < attempts {
			if err := sleep(ctx, p.retryBackoff*time.Duration(attempt)); err != nil {
				p.fail(orderID, types.EventFailed, err, start)
				return
			}
		}
	}

	p.fail(orderID, types.EventExhausted, lastErr, start)
}

func (p *Provider) complete(order *types.Order, d *types.Deliverable, start time.Time) {
	ctx := context.WithoutCancel(p.ctx)
	hash := utils.ContentHash([]byte(d.Content))
	contentType := d.ContentType
	if contentType == "" {
		contentType = contentTypeJSON
	}

	now := p.now()
	updated, err := p.store.Update(ctx, order.ID, func(o *types.Order) error {
		o.Content = d.Content
		o.ContentType = contentType
		o.ContentHash = hash
		return o.Transition(types.StatusDelivered, now)
	})
	if err != nil {
		p.logger.Error("failed to store deliverable", map[string]any{"order_id": order.ID, "error": err})
		return
	}
	p.nonces.Retire(order.ID, now)

	p.observeFulfillment(types.EventCompleted, updated.ServiceType, start)
	p.logger.Info("order delivered", map[string]any{
		"order_id":     order.ID,
		"content_hash": hash,
	})
	p.events.publish(order.ID, Event{Name: types.EventCompleted, Data: types.StreamEvent{
		OrderID:     order.ID,
		Status:      types.StatusDelivered,
		ContentHash: hash,
	}})

	if updated.DeliveryEndpoint != "" {
		p.push(ctx, updated)
	}
}

func (p *Provider) fail(orderID, event string, cause error, start time.Time) {
	ctx := context.WithoutCancel(p.ctx)
	reason := "fulfillment failed"
	if cause != nil {
		reason = cause.Error()
	}

	now := p.now()
	updated, err := p.store.Update(ctx, orderID, func(o *types.Order) error {
		o.FailureReason = reason
		return o.Transition(types.StatusDeliveryFailed, now)
	})
	if err != nil {
		p.logger.Error("failed to record fulfillment failure", map[string]any{"order_id": orderID, "error": err})
		return
	}
	p.nonces.Retire(orderID, now)

	p.observeFulfillment(event, updated.ServiceType, start)
	p.logger.Warn("order failed", map[string]any{
		"order_id": orderID,
		"event":    event,
		"reason":   reason,
	})
	p.events.publish(orderID, Event{Name: event, Data: types.StreamEvent{
		OrderID: orderID,
		Status:  types.StatusDeliveryFailed,
		Reason:  reason,
	}})
}

func (p *Provider) observeFulfillment(outcome, service string, start time.Time) {
	labels := map[string]string{metrics.LabelOutcome: outcome, metrics.LabelService: service}
	p.metrics.IncCounter("fulfillment", labels)
	p.metrics.ObserveLatency("fulfillment", time.Since(start), labels)
}

// push sends the deliverable to the client's endpoint. A failed push is only
// logged; the deliverable stays available for download.
func (p *Provider) push(ctx context.Context, order *types.Order) {
	delivered := order.UpdatedAt
	msg := &types.ServiceDelivery{
		Envelope: types.NewEnvelope(types.MessageServiceDelivery, p.now()),
		OrderID:  order.ID,
		Status:   string(order.Status),
		ProviderAgent: types.ProviderAgent{
			Name:          p.cfg.Name,
			WalletAddress: p.cfg.WalletAddress,
		},
		Deliverable: types.Deliverable{
			Content:     order.Content,
			ContentType: order.ContentType,
		},
		ContentHash: order.ContentHash,
		DeliveredAt: &delivered,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to encode delivery", map[string]any{"order_id": order.ID, "error": err})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, order.DeliveryEndpoint, bytes.NewReader(body))
	if err != nil {
		p.logger.Warn("invalid delivery endpoint", map[string]any{"order_id": order.ID, "error": err})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.count("push", "error")
		p.logger.Warn("delivery push failed", map[string]any{
			"order_id": order.ID,
			"endpoint": order.DeliveryEndpoint,
			"error":    err,
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.count("push", "rejected")
		p.logger.Warn("delivery push rejected", map[string]any{
			"order_id": order.ID,
			"status":   resp.StatusCode,
		})
		return
	}
	p.count("push", "delivered")
}

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
