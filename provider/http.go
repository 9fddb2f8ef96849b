package provider

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tmaxmax/go-sse"
	"github.com/vitwit/ivxp/metrics"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/utils"
)

const maxRequestBytes = 1 << 20

// Handler returns the HTTP surface of the provider.
func (p *Provider) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler(p.metrics))
	r.Use(p.requestLogger)
	if p.limiter != nil {
		r.Use(p.limiter.middleware)
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
			next.ServeHTTP(w, r)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, http.StatusNotFound, types.ErrNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed")
	})

	r.Route("/ivxp", func(r chi.Router) {
		r.Get("/catalog", p.handleCatalog)
		r.Post("/request", p.handleRequest)
		r.Post("/deliver", p.handleDeliver)
		r.Get("/status/{order_id}", p.handleStatus)
		r.Get("/download/{order_id}", p.handleDownload)
		r.Post("/orders/{order_id}/confirm", p.handleConfirm)
		r.Get("/health", p.handleHealth)
		if p.supportsStream() {
			r.Get("/stream/{order_id}", p.handleStream)
		}
	})

	if h, ok := p.metrics.(interface{ Handler() http.Handler }); ok {
		r.Method(http.MethodGet, "/metrics", h.Handler())
	}

	return r
}

func (p *Provider) startLimiterCleanup(l *rateLimiter) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case now := <-t.C:
				l.cleanup(now)
			}
		}
	}()
}

func (p *Provider) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		p.logger.Debug("http request", map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
			"duration":   time.Since(start).String(),
		})
	})
}

func (p *Provider) handleCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := p.HandleCatalog(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (p *Provider) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, types.ErrInvalidRequest, "failed to read request body")
		return
	}
	req, err := utils.ParseServiceRequest(body)
	if err != nil {
		writeError(w, err)
		return
	}
	quote, err := p.HandleRequest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (p *Provider) handleDeliver(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, types.ErrInvalidRequest, "failed to read request body")
		return
	}
	req, err := utils.ParseDeliveryRequest(body)
	if err != nil {
		writeError(w, err)
		return
	}
	accepted, err := p.HandleDeliver(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (p *Provider) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := p.HandleStatus(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (p *Provider) handleDownload(w http.ResponseWriter, r *http.Request) {
	dl, err := p.HandleDownload(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		if ie, ok := types.AsError(err); ok && ie.Code == types.ErrNotReady {
			if pending, ok := ie.Data.(*types.PendingResponse); ok {
				writeJSON(w, http.StatusAccepted, pending)
				return
			}
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (p *Provider) handleConfirm(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, types.ErrInvalidRequest, "failed to read request body")
		return
	}
	conf, err := utils.ParseDeliveryConfirmation(body)
	if err != nil {
		writeError(w, err)
		return
	}
	ack, err := p.HandleConfirm(r.Context(), chi.URLParam(r, "order_id"), conf)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (p *Provider) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"provider": p.cfg.Name,
		"network":  p.cfg.Network,
	})
}

// handleStream sends one terminal event for the order and ends. Orders
// already resolved get their event immediately.
func (p *Provider) handleStream(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")

	events, unsubscribe := p.events.subscribe(orderID)
	defer unsubscribe()

	order, err := p.store.Get(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeErrorStatus(w, http.StatusInternalServerError, types.ErrServiceUnavailable, "streaming unsupported")
		return
	}

	if ev, ok := resolvedEvent(order); ok {
		p.sendEvent(sess, ev)
		return
	}
	if err := sess.Flush(); err != nil {
		return
	}

	select {
	case ev := <-events:
		p.sendEvent(sess, ev)
	case <-r.Context().Done():
	case <-p.ctx.Done():
	}
}

func resolvedEvent(o *types.Order) (Event, bool) {
	switch o.Status {
	case types.StatusDelivered, types.StatusConfirmed:
		return Event{Name: types.EventCompleted, Data: types.StreamEvent{
			OrderID:     o.ID,
			Status:      o.Status,
			ContentHash: o.ContentHash,
		}}, true
	case types.StatusDeliveryFailed:
		return Event{Name: types.EventFailed, Data: types.StreamEvent{
			OrderID: o.ID,
			Status:  o.Status,
			Reason:  o.FailureReason,
		}}, true
	}
	return Event{}, false
}

func (p *Provider) sendEvent(sess *sse.Session, ev Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		p.logger.Error("failed to encode stream event", map[string]any{"order_id": ev.Data.OrderID, "error": err})
		return
	}
	msg := &sse.Message{Type: sse.Type(ev.Name)}
	msg.AppendData(string(data))
	if err := sess.Send(msg); err != nil {
		p.logger.Debug("stream client went away", map[string]any{"order_id": ev.Data.OrderID, "error": err})
		return
	}
	_ = sess.Flush()
}

// httpStatus maps an error to the status code the provider answers with.
func httpStatus(err error) int {
	ie, ok := types.AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if ie.Code == types.ErrInvalidOrderStatus {
		return http.StatusConflict
	}
	switch ie.Kind() {
	case types.KindValidation, types.KindReplay, types.KindBudget:
		return http.StatusBadRequest
	case types.KindAuthorization:
		return http.StatusUnauthorized
	case types.KindPayment:
		return http.StatusPaymentRequired
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindAvailability:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	code := types.CodeOf(err)
	msg := err.Error()
	if code == "" {
		msg = "internal error"
	}
	writeErrorStatus(w, status, code, msg)
}

func writeErrorStatus(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.ErrorResponse{
		Error:      msg,
		StatusCode: status,
		Code:       code,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
