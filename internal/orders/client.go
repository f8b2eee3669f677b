package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jogardn/stylestore/internal/auth"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

// APIError is a non-2xx response from the order service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("order service returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the order service on behalf of one storefront user.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Login(ctx context.Context, email, password string) (*models.TokenResponse, error) {
	var resp models.TokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/token", models.Credentials{Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)

	c.logger.WithField("expires_at", resp.ExpiresAt).Debug("Logged in to order service")
	return &resp, nil
}

func (c *Client) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.Order, error) {
	var order models.Order
	if err := c.do(ctx, http.MethodPost, "/orders", req, &order); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"total_price": order.TotalPrice,
	}).Info("Order created in order service")
	return &order, nil
}

func (c *Client) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// Pay forwards the processor's capture confirmation for the order.
func (c *Client) Pay(ctx context.Context, id string, payload models.ProcessorPayload) (*models.Order, error) {
	var order models.Order
	if err := c.do(ctx, http.MethodPut, "/orders/"+url.PathEscape(id)+"/pay", payload, &order); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"is_paid":  order.IsPaid,
	}).Info("Payment confirmation accepted")
	return &order, nil
}

// SystemStatus decodes GET /system/status into out.
func (c *Client) SystemStatus(ctx context.Context, out interface{}) error {
	return c.do(ctx, http.MethodGet, "/system/status", nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", auth.BearerHeader(c.token))
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to order service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp models.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Message == "" {
			errResp.Message = http.StatusText(resp.StatusCode)
		}
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		}).Debug("Order service rejected request")
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode order service response: %w", err)
	}
	return nil
}
