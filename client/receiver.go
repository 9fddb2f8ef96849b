package client

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/vitwit/ivxp/logger"
	"github.com/vitwit/ivxp/types"
	"github.com/vitwit/ivxp/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReceivePath is where providers push deliverables.
const ReceivePath = "/ivxp/receive"

const maxDeliveryBytes = 10 << 20

// DeliveryFunc consumes a pushed deliverable whose hash has been verified.
type DeliveryFunc func(ctx context.Context, d *types.ServiceDelivery) error

// ReceiveAck answers an accepted push.
type ReceiveAck struct {
	Status    string    `json:"status"`
	OrderID   string    `json:"order_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Receiver accepts service_delivery pushes from providers.
type Receiver struct {
	router chi.Router
	onPush DeliveryFunc
	clock  func() time.Time
	logger logger.Logger
}

// NewReceiver returns an http.Handler serving POST /ivxp/receive.
func NewReceiver(onPush DeliveryFunc, log logger.Logger) *Receiver {
	rc := &Receiver{
		onPush: onPush,
		clock:  time.Now,
		logger: logger.OrNoop(log).Named("receiver"),
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, types.ErrNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed")
	})
	r.Post(ReceivePath, rc.receive)
	rc.router = r
	return rc
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc.router.ServeHTTP(w, r)
}

func (rc *Receiver) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDeliveryBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, types.ErrInvalidRequest, "failed to read request body")
		return
	}

	d, err := utils.ParseServiceDelivery(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, types.CodeOf(err), err.Error())
		return
	}
	if !utils.VerifyContentHash([]byte(d.Deliverable.Content), d.ContentHash) {
		rc.logger.Warn("rejected pushed delivery", map[string]any{"order_id": d.OrderID, "reason": "content hash mismatch"})
		writeError(w, http.StatusBadRequest, types.ErrContentHashMismatch, "content does not match content_hash")
		return
	}

	if rc.onPush != nil {
		if err := rc.onPush(r.Context(), d); err != nil {
			rc.logger.Error("failed to handle pushed delivery", map[string]any{"order_id": d.OrderID, "error": err})
			writeError(w, http.StatusInternalServerError, types.CodeOf(err), "failed to handle delivery")
			return
		}
	}

	rc.logger.Info("received delivery", map[string]any{
		"order_id":     d.OrderID,
		"content_hash": d.ContentHash,
	})
	writeJSON(w, http.StatusOK, ReceiveAck{
		Status:    "received",
		OrderID:   d.OrderID,
		Timestamp: rc.clock().UTC(),
	})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, StatusCode: status, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
