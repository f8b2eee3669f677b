package orders

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jogardn/stylestore/internal/auth"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

// UpdateStream upgrades an authorized request to a push channel for one order.
type UpdateStream interface {
	Serve(w http.ResponseWriter, r *http.Request, orderID string)
}

type Handler struct {
	service *Service
	admin   *Admin
	stream  UpdateStream
	logger  *logrus.Logger
}

func NewHandler(service *Service, admin *Admin, logger *logrus.Logger) *Handler {
	return &Handler{
		service: service,
		admin:   admin,
		logger:  logger,
	}
}

func (h *Handler) SetUpdateStream(stream UpdateStream) {
	h.stream = stream
}

// RegisterRoutes mounts the order routes. authn must attach an auth.Identity
// to the request context.
func (h *Handler) RegisterRoutes(router *mux.Router, authn func(http.Handler) http.Handler) {
	user := func(f http.HandlerFunc) http.Handler { return authn(f) }
	admin := func(f http.HandlerFunc) http.Handler { return authn(auth.RequireAdmin(f)) }

	router.Handle("/orders", user(h.CreateOrder)).Methods("POST")
	router.Handle("/orders", admin(h.ListOrders)).Methods("GET")
	router.Handle("/orders/myorders", user(h.MyOrders)).Methods("GET")
	router.Handle("/orders/{id}", user(h.GetOrder)).Methods("GET")
	router.Handle("/orders/{id}/updates", user(h.Updates)).Methods("GET")
	router.Handle("/orders/{id}/deliver", admin(h.Deliver)).Methods("PUT")
	router.Handle("/orders/{id}/cancel", admin(h.Cancel)).Methods("PUT")
	router.Handle("/orders/{id}/status", admin(h.SetStatus)).Methods("PUT")
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Info("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	caller, _ := auth.FromContext(r.Context())
	order, err := h.service.Create(r.Context(), caller, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, order)
}

func (h *Handler) MyOrders(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	orders, err := h.service.ListForUser(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, nonNil(orders))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	order, err := h.service.Get(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("ETag", versionTag(order.Version))
	h.respondWithJSON(w, http.StatusOK, order)
}

// Updates checks ownership before handing the connection to the stream.
func (h *Handler) Updates(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		h.respondWithError(w, http.StatusNotImplemented, "order updates are not enabled")
		return
	}

	caller, _ := auth.FromContext(r.Context())
	order, err := h.service.Get(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.stream.Serve(w, r, order.ID)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	orders, err := h.admin.ListAll(r.Context(), caller)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, nonNil(orders))
}

func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	order, err := h.admin.MarkDelivered(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

// Cancel honours If-Match with the version the admin last read, so a
// payment landing in between turns the cancel into a 409.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	seen, err := parseVersionTag(r.Header.Get("If-Match"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid If-Match header")
		return
	}

	caller, _ := auth.FromContext(r.Context())
	order, err := h.admin.Cancel(r.Context(), caller, mux.Vars(r)["id"], seen)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req models.StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	caller, _ := auth.FromContext(r.Context())
	order, err := h.admin.SetStatus(r.Context(), caller, mux.Vars(r)["id"], req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

// fail maps err to its public status. Details of 5xx errors stay in the log.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, message := PublicError(err)
	entry := h.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": code,
		"error":  err.Error(),
	})
	if code >= http.StatusInternalServerError {
		entry.Error("Order request failed")
	} else {
		entry.Info("Order request rejected")
	}
	h.respondWithError(w, code, message)
}

func versionTag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

// parseVersionTag reads an If-Match value. Empty and "*" mean any version.
func parseVersionTag(tag string) (int64, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" || tag == "*" {
		return 0, nil
	}
	tag = strings.Trim(strings.TrimPrefix(tag, "W/"), `"`)
	version, err := strconv.ParseInt(tag, 10, 64)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("invalid version tag %q", tag)
	}
	return version, nil
}

func nonNil(orders []*models.Order) []*models.Order {
	if orders == nil {
		return []*models.Order{}
	}
	return orders
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
