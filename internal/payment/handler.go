package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jogardn/stylestore/internal/auth"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	SignatureHeader = "X-Signature"

	maxWebhookBody = 1 << 20
)

// WebhookRequest is the processor's capture notification.
type WebhookRequest struct {
	OrderID string                  `json:"orderId"`
	Capture models.ProcessorPayload `json:"capture"`
}

type Handler struct {
	reconciler    *Reconciler
	webhookSecret []byte
	logger        *logrus.Logger
}

func NewHandler(reconciler *Reconciler, logger *logrus.Logger) *Handler {
	return &Handler{reconciler: reconciler, logger: logger}
}

// EnableWebhook turns on POST /payments/webhook, verified with secret.
func (h *Handler) EnableWebhook(secret string) {
	h.webhookSecret = []byte(secret)
}

func (h *Handler) RegisterRoutes(router *mux.Router, authn func(http.Handler) http.Handler) {
	router.Handle("/orders/{id}/pay", authn(http.HandlerFunc(h.Pay))).Methods("PUT")
	if len(h.webhookSecret) > 0 {
		router.HandleFunc("/payments/webhook", h.Webhook).Methods("POST")
	}
}

func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	var payload models.ProcessorPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	caller, _ := auth.FromContext(r.Context())
	order, err := h.reconciler.Confirm(r.Context(), caller, mux.Vars(r)["id"], payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !VerifySignature(h.webhookSecret, body, r.Header.Get(SignatureHeader)) {
		h.logger.WithField("remote_addr", r.RemoteAddr).Warn("Rejected webhook with bad signature")
		h.respondWithError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var req WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil || req.OrderID == "" {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.reconciler.ConfirmFromProcessor(r.Context(), req.OrderID, req.Capture)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

// Sign returns the hex HMAC-SHA256 of body, as sent in X-Signature.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, message := PublicError(err)
	entry := h.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": code,
		"error":  err.Error(),
	})
	if code >= http.StatusInternalServerError {
		entry.Error("Payment request failed")
	} else {
		entry.Info("Payment request rejected")
	}
	h.respondWithError(w, code, message)
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, models.ErrorResponse{Message: message})
}
