package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/stylestore/internal/auth"
	"github.com/jogardn/stylestore/internal/store"
	"github.com/jogardn/stylestore/internal/store/memory"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	store.HashCost = bcrypt.MinCost
}

type testAPI struct {
	router  *mux.Router
	service *Service
	issuer  *auth.Issuer
	stream  *recordingStream
}

type recordingStream struct {
	served []string
}

func (s *recordingStream) Serve(w http.ResponseWriter, r *http.Request, orderID string) {
	s.served = append(s.served, orderID)
	w.WriteHeader(http.StatusNoContent)
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	svc, _ := newTestService(memory.New())
	issuer := auth.NewIssuer("secret", time.Hour)
	stream := &recordingStream{}

	handler := NewHandler(svc, NewAdmin(svc, testLogger()), testLogger())
	handler.SetUpdateStream(stream)

	router := mux.NewRouter()
	handler.RegisterRoutes(router, auth.Middleware(issuer, testLogger()))
	return &testAPI{router: router, service: svc, issuer: issuer, stream: stream}
}

func (a *testAPI) token(t *testing.T, id auth.Identity) string {
	t.Helper()
	token, _, err := a.issuer.Issue(&models.User{ID: id.UserID, IsAdmin: id.IsAdmin})
	require.NoError(t, err)
	return token
}

func (a *testAPI) call(t *testing.T, caller *auth.Identity, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != nil {
		req.Header.Set("Authorization", auth.BearerHeader(a.token(t, *caller)))
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) *models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&order))
	return &order
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Message
}

func TestHandlerCreateAndGet(t *testing.T) {
	api := newTestAPI(t)

	rec := api.call(t, &customer, http.MethodPost, "/orders", codRequest())
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeOrder(t, rec)
	assert.Equal(t, 43.20, created.TotalPrice)
	assert.Equal(t, "user-1", created.UserID)

	rec = api.call(t, &customer, http.MethodGet, "/orders/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeOrder(t, rec).ID)

	rec = api.call(t, &stranger, http.MethodGet, "/orders/"+created.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.call(t, &customer, http.MethodGet, "/orders/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "order not found", errorMessage(t, rec))

	rec = api.call(t, &customer, http.MethodGet, "/orders/myorders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []models.Order
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&mine))
	assert.Len(t, mine, 1)
}

func TestHandlerCreateRejects(t *testing.T) {
	api := newTestAPI(t)

	rec := api.call(t, nil, http.MethodPost, "/orders", codRequest())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	empty := codRequest()
	empty.Items = nil
	rec = api.call(t, &customer, http.MethodPost, "/orders", empty)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "no order items")

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", auth.BearerHeader(api.token(t, customer)))
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerMyOrdersEmptyIsArray(t *testing.T) {
	api := newTestAPI(t)

	rec := api.call(t, &customer, http.MethodGet, "/orders/myorders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHandlerAdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	order := createOrder(t, api.service)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/orders"},
		{http.MethodPut, "/orders/" + order.ID + "/deliver"},
		{http.MethodPut, "/orders/" + order.ID + "/cancel"},
		{http.MethodPut, "/orders/" + order.ID + "/status"},
	} {
		rec := api.call(t, &customer, route.method, route.path, models.StatusRequest{Status: "paid"})
		assert.Equal(t, http.StatusForbidden, rec.Code, route.path)
	}

	rec := api.call(t, &operator, http.MethodGet, "/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.call(t, &operator, http.MethodPut, "/orders/"+order.ID+"/deliver", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.call(t, &operator, http.MethodPut, "/orders/"+order.ID+"/status", models.StatusRequest{Status: "Paid"})
	require.Equal(t, http.StatusOK, rec.Code)
	paid := decodeOrder(t, rec)
	assert.True(t, paid.IsPaid)
	assert.Equal(t, "manual-"+order.ID, paid.PaymentResult.ExternalID)

	rec = api.call(t, &operator, http.MethodPut, "/orders/"+order.ID+"/status", models.StatusRequest{Status: "paid"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, paid.Version, decodeOrder(t, rec).Version)

	rec = api.call(t, &operator, http.MethodPut, "/orders/"+order.ID+"/status", models.StatusRequest{Status: "shipped"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.call(t, &operator, http.MethodPut, "/orders/"+order.ID+"/status", models.StatusRequest{Status: "delivered"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeOrder(t, rec).IsDelivered)

	rec = api.call(t, &operator, http.MethodPut, "/orders/"+order.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerCancelHonoursIfMatch(t *testing.T) {
	api := newTestAPI(t)
	order := createOrder(t, api.service)

	rec := api.call(t, &operator, http.MethodGet, "/orders/"+order.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	seen := rec.Header().Get("ETag")
	assert.Equal(t, `"1"`, seen)

	_, err := api.service.MarkPaid(context.Background(), order.ID, models.ProcessorPayload{ID: "CAP-1"})
	require.NoError(t, err)

	cancel := func(ifMatch string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/orders/"+order.ID+"/cancel", nil)
		req.Header.Set("Authorization", auth.BearerHeader(api.token(t, operator)))
		req.Header.Set("If-Match", ifMatch)
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)
		return rec
	}

	rec = cancel(seen)
	assert.Equal(t, http.StatusConflict, rec.Code)

	current, err := api.service.Get(context.Background(), operator, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, current.Status)

	rec = cancel("not-a-version")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = cancel(`W/"2"`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusCancelled, decodeOrder(t, rec).Status)
}

func TestParseVersionTag(t *testing.T) {
	tests := []struct {
		tag     string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"*", 0, false},
		{`"7"`, 7, false},
		{`W/"7"`, 7, false},
		{"7", 7, false},
		{`"0"`, 0, true},
		{`"-1"`, 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		got, err := parseVersionTag(tt.tag)
		if tt.wantErr {
			assert.Error(t, err, tt.tag)
			continue
		}
		require.NoError(t, err, tt.tag)
		assert.Equal(t, tt.want, got, tt.tag)
	}
}

func TestHandlerUpdatesChecksOwnership(t *testing.T) {
	api := newTestAPI(t)
	order := createOrder(t, api.service)

	rec := api.call(t, &stranger, http.MethodGet, "/orders/"+order.ID+"/updates", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, api.stream.served)

	rec = api.call(t, &customer, http.MethodGet, "/orders/"+order.ID+"/updates", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{order.ID}, api.stream.served)
}

func TestAdminRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(memory.New())
	admin := NewAdmin(svc, testLogger())
	order := createOrder(t, svc)
	ctx := context.Background()

	_, err := admin.ListAll(ctx, customer)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = admin.MarkDelivered(ctx, customer, order.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = admin.Cancel(ctx, customer, order.ID, 0)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = admin.SetStatus(ctx, customer, order.ID, "paid")
	assert.ErrorIs(t, err, ErrForbidden)

	cancelled, err := admin.Cancel(ctx, operator, order.ID, order.Version)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
}

func TestPublicError(t *testing.T) {
	tests := []struct {
		err     error
		code    int
		message string
	}{
		{validation("bad"), http.StatusBadRequest, "validation failed: bad"},
		{auth.ErrUnauthorized, http.StatusUnauthorized, auth.ErrUnauthorized.Error()},
		{fmt.Errorf("%w: x", ErrForbidden), http.StatusForbidden, "forbidden: x"},
		{fmt.Errorf("order x: %w", store.ErrNotFound), http.StatusNotFound, "order not found"},
		{invalidTransition("nope"), http.StatusConflict, "invalid order transition: nope"},
		{fmt.Errorf("%w: x", ErrConflict), http.StatusConflict, "order was modified concurrently: x"},
		{fmt.Errorf("get: %w", store.ErrUnavailable), http.StatusInternalServerError, "store unavailable"},
		{errors.New("pq: password authentication failed for user admin"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		code, message := PublicError(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.message, message)
	}
}

func TestClientRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	users := memory.New()
	_, err := users.CreateUser(context.Background(), store.NewUser{Email: "jane@example.com", Password: "pw"})
	require.NoError(t, err)
	auth.NewHandler(users, api.issuer, testLogger()).RegisterRoutes(api.router)

	server := httptest.NewServer(api.router)
	defer server.Close()

	client := NewClient(server.URL+"/", testLogger())
	ctx := context.Background()

	_, err = client.CreateOrder(ctx, codRequest())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = client.Login(ctx, "jane@example.com", "pw")
	require.NoError(t, err)

	order, err := client.CreateOrder(ctx, codRequest())
	require.NoError(t, err)
	assert.Equal(t, 43.20, order.TotalPrice)

	got, err := client.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = client.GetOrder(ctx, "missing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "order not found", apiErr.Message)
}

func TestClientEscapesOrderID(t *testing.T) {
	var uris []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uris = append(uris, r.RequestURI)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.Order{ID: "x"})
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	ctx := context.Background()

	_, err := client.GetOrder(ctx, "a/b?c")
	require.NoError(t, err)
	_, err = client.Pay(ctx, "../admin", models.ProcessorPayload{ID: "CAP-1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"/orders/a%2Fb%3Fc", "/orders/..%2Fadmin/pay"}, uris)
}
