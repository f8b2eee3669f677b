package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

// Processor captures the payment for an order at the external processor.
type Processor interface {
	Capture(ctx context.Context, order *models.Order) (models.ProcessorPayload, error)
}

// OrderAPI is the storefront side of the order service.
type OrderAPI interface {
	OrderReader
	CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.Order, error)
	Pay(ctx context.Context, id string, payload models.ProcessorPayload) (*models.Order, error)
}

type CheckoutResult struct {
	Order   *models.Order
	Outcome Outcome
	// ConfirmErr is set when reporting the capture failed. The poll still
	// runs because the processor may have notified the service directly.
	ConfirmErr error
}

// Checkout runs the two round trips of an order: create, then capture and
// confirm, then poll until the payment is visible.
type Checkout struct {
	api       OrderAPI
	processor Processor
	poll      PollConfig
	logger    *logrus.Logger

	newPoll func(orderID string) *ConfirmationPoll
}

func NewCheckout(api OrderAPI, processor Processor, poll PollConfig, logger *logrus.Logger) *Checkout {
	c := &Checkout{
		api:       api,
		processor: processor,
		poll:      poll,
		logger:    logger,
	}
	c.newPoll = func(orderID string) *ConfirmationPoll {
		return NewConfirmationPoll(c.api, orderID, c.poll, c.logger)
	}
	return c
}

func (c *Checkout) Place(ctx context.Context, req models.CreateOrderRequest) (*CheckoutResult, error) {
	order, err := c.api.CreateOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if order.PaymentMethod == models.PaymentCashOnDelivery {
		c.logger.WithField("order_id", order.ID).Info("Cash on delivery order placed")
		return &CheckoutResult{Order: order, Outcome: OutcomeNotRequired}, nil
	}
	return c.Confirm(ctx, order)
}

// Confirm captures and confirms payment for an existing unpaid order.
func (c *Checkout) Confirm(ctx context.Context, order *models.Order) (*CheckoutResult, error) {
	if order.IsPaid {
		return &CheckoutResult{Order: order, Outcome: OutcomeConfirmed}, nil
	}
	if c.processor == nil {
		return &CheckoutResult{Order: order, Outcome: OutcomeUnverified}, fmt.Errorf("%w: no processor configured", ErrProcessor)
	}

	payload, err := c.processor.Capture(ctx, order)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"order_id": order.ID,
			"error":    err.Error(),
		}).Error("Payment capture failed")
		return &CheckoutResult{Order: order, Outcome: OutcomeUnverified}, err
	}

	return c.Report(ctx, order, payload), nil
}

// Report sends an already captured payment to the service and polls for it.
func (c *Checkout) Report(ctx context.Context, order *models.Order, payload models.ProcessorPayload) *CheckoutResult {
	result := &CheckoutResult{Order: order}
	if _, err := c.api.Pay(ctx, order.ID, payload); err != nil {
		c.logger.WithFields(logrus.Fields{
			"order_id":   order.ID,
			"capture_id": payload.ID,
			"error":      err.Error(),
		}).Warn("Payment confirmation failed, polling anyway")
		result.ConfirmErr = err
	}

	polled := c.newPoll(order.ID).Run(ctx)
	result.Outcome = polled.Outcome
	if polled.Order != nil {
		result.Order = polled.Order
	}
	return result
}

// ProcessorClient captures payments through the processor's HTTP API.
type ProcessorClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

type captureRequest struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

func NewProcessorClient(baseURL string, logger *logrus.Logger) *ProcessorClient {
	return &ProcessorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

func (p *ProcessorClient) Capture(ctx context.Context, order *models.Order) (models.ProcessorPayload, error) {
	var payload models.ProcessorPayload

	jsonData, err := json.Marshal(captureRequest{OrderID: order.ID, Amount: order.TotalPrice})
	if err != nil {
		return payload, fmt.Errorf("failed to marshal capture: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/captures", bytes.NewReader(jsonData))
	if err != nil {
		return payload, fmt.Errorf("failed to create capture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return payload, fmt.Errorf("%w: %v", ErrProcessor, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return payload, fmt.Errorf("%w: capture returned status %d", ErrProcessor, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return payload, fmt.Errorf("%w: failed to decode capture: %v", ErrProcessor, err)
	}
	if payload.ID == "" {
		return payload, fmt.Errorf("%w: capture has no id", ErrProcessor)
	}

	p.logger.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"capture_id": payload.ID,
		"status":     payload.Status,
	}).Info("Payment captured")
	return payload, nil
}
