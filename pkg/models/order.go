package models

import (
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusCreated   Status = "Created"
	StatusPaid      Status = "Paid"
	StatusDelivered Status = "Delivered"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

type PaymentMethod string

const (
	PaymentCashOnDelivery    PaymentMethod = "CashOnDelivery"
	PaymentExternalProcessor PaymentMethod = "ExternalProcessor"
)

// ParsePaymentMethod maps the spellings storefront clients send onto the two
// supported methods. Unknown values are returned as-is so validation can reject them.
func ParsePaymentMethod(raw string) PaymentMethod {
	switch strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(raw)) {
	case "cashondelivery", "cod", "cash":
		return PaymentCashOnDelivery
	case "externalprocessor", "paypal", "card", "stripe":
		return PaymentExternalProcessor
	default:
		return PaymentMethod(raw)
	}
}

func (m PaymentMethod) Valid() bool {
	return m == PaymentCashOnDelivery || m == PaymentExternalProcessor
}

func (m *PaymentMethod) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = ParsePaymentMethod(raw)
	return nil
}

type Order struct {
	ID              string          `json:"id" bson:"_id"`
	UserID          string          `json:"userId" bson:"userId"`
	Items           []OrderItem     `json:"items" bson:"items"`
	ShippingAddress ShippingAddress `json:"shippingAddress" bson:"shippingAddress"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod" bson:"paymentMethod"`
	ItemsPrice      float64         `json:"itemsPrice" bson:"itemsPrice"`
	TaxPrice        float64         `json:"taxPrice" bson:"taxPrice"`
	ShippingPrice   float64         `json:"shippingPrice" bson:"shippingPrice"`
	TotalPrice      float64         `json:"totalPrice" bson:"totalPrice"`
	Status          Status          `json:"status" bson:"status"`
	IsPaid          bool            `json:"isPaid" bson:"isPaid"`
	PaidAt          *time.Time      `json:"paidAt,omitempty" bson:"paidAt,omitempty"`
	PaymentResult   *PaymentResult  `json:"paymentResult,omitempty" bson:"paymentResult,omitempty"`
	IsDelivered     bool            `json:"isDelivered" bson:"isDelivered"`
	DeliveredAt     *time.Time      `json:"deliveredAt,omitempty" bson:"deliveredAt,omitempty"`
	CancelledAt     *time.Time      `json:"cancelledAt,omitempty" bson:"cancelledAt,omitempty"`
	Version         int64           `json:"version" bson:"version"`
	CreatedAt       time.Time       `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt" bson:"updatedAt"`
}

type OrderItem struct {
	ProductID string  `json:"productId" bson:"productId"`
	Name      string  `json:"name" bson:"name"`
	UnitPrice float64 `json:"unitPrice" bson:"unitPrice"`
	Quantity  int     `json:"quantity" bson:"quantity"`
	Image     string  `json:"image,omitempty" bson:"image,omitempty"`
}

type ShippingAddress struct {
	Address    string `json:"address" bson:"address"`
	City       string `json:"city" bson:"city"`
	PostalCode string `json:"postalCode" bson:"postalCode"`
	Country    string `json:"country" bson:"country"`
}

// PaymentResult is the stored record of a capture confirmed by the processor.
type PaymentResult struct {
	ExternalID string `json:"externalId" bson:"externalId"`
	Status     string `json:"status" bson:"status"`
	UpdateTime string `json:"updateTime" bson:"updateTime"`
	PayerEmail string `json:"payerEmail" bson:"payerEmail"`
}

// ProcessorPayload is the capture confirmation as the external processor emits it.
// Every field except ID is optional.
type ProcessorPayload struct {
	ID           string `json:"id"`
	Status       string `json:"status,omitempty"`
	UpdateTime   string `json:"update_time,omitempty"`
	EmailAddress string `json:"email_address,omitempty"`
	Payer        *Payer `json:"payer,omitempty"`
}

type Payer struct {
	EmailAddress string `json:"email_address,omitempty"`
}

// PayerEmail prefers the nested payer block over the flat field.
func (p ProcessorPayload) PayerEmail() string {
	if p.Payer != nil && p.Payer.EmailAddress != "" {
		return p.Payer.EmailAddress
	}
	return p.EmailAddress
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		c.DeliveredAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	if o.PaymentResult != nil {
		r := *o.PaymentResult
		c.PaymentResult = &r
	}
	return &c
}

type CreateOrderRequest struct {
	Items           []OrderItem     `json:"items"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod"`
	ItemsPrice      float64         `json:"itemsPrice"`
	TaxPrice        float64         `json:"taxPrice"`
	ShippingPrice   float64         `json:"shippingPrice"`
	TotalPrice      float64         `json:"totalPrice"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}
