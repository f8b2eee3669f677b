package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jogardn/stylestore/pkg/models"
	"github.com/shopspring/decimal"
)

type Product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Image string  `json:"image"`
}

// Catalog resolves products at order time. A nil product with a nil error
// means the product does not exist.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
}

type CatalogClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewCatalogClient(baseURL string, timeout time.Duration) *CatalogClient {
	return &CatalogClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *CatalogClient) GetProduct(ctx context.Context, id string) (*Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/products/%s", c.baseURL, url.PathEscape(id)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var p Product
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode catalog product: %w", err)
	}
	return &p, nil
}

// Breakdown is the server-side price of an order.
type Breakdown struct {
	Items    decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

func money(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

// Price recomputes the items subtotal and total from the line items. Tax and
// shipping are taken from the request as quoted at checkout.
func Price(items []models.OrderItem, tax, shipping float64) (Breakdown, error) {
	if tax < 0 || shipping < 0 {
		return Breakdown{}, validation("tax and shipping must not be negative")
	}

	subtotal := decimal.Zero
	for i, item := range items {
		if item.Quantity <= 0 {
			return Breakdown{}, validation("item %d: quantity must be positive", i+1)
		}
		if item.UnitPrice < 0 {
			return Breakdown{}, validation("item %d: price must not be negative", i+1)
		}
		line := money(item.UnitPrice).Mul(decimal.NewFromInt(int64(item.Quantity)))
		subtotal = subtotal.Add(line)
	}

	b := Breakdown{
		Items:    subtotal.Round(2),
		Tax:      money(tax),
		Shipping: money(shipping),
	}
	b.Total = b.Items.Add(b.Tax).Add(b.Shipping).Round(2)
	return b, nil
}

func (b Breakdown) Apply(order *models.Order) {
	order.ItemsPrice = b.Items.InexactFloat64()
	order.TaxPrice = b.Tax.InexactFloat64()
	order.ShippingPrice = b.Shipping.InexactFloat64()
	order.TotalPrice = b.Total.InexactFloat64()
}

// Matches reports whether a client-quoted total agrees to the cent.
func (b Breakdown) Matches(total float64) bool {
	return money(total).Equal(b.Total)
}

// resolveItems replaces client-supplied name, price and image with the
// catalog's values.
func resolveItems(ctx context.Context, catalog Catalog, items []models.OrderItem) ([]models.OrderItem, error) {
	resolved := make([]models.OrderItem, len(items))
	for i, item := range items {
		if item.ProductID == "" {
			return nil, validation("item %d: productId is required", i+1)
		}
		product, err := catalog.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve product %s: %w", item.ProductID, err)
		}
		if product == nil {
			return nil, validation("item %d: unknown product %s", i+1, item.ProductID)
		}
		resolved[i] = models.OrderItem{
			ProductID: item.ProductID,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  item.Quantity,
			Image:     product.Image,
		}
	}
	return resolved, nil
}
