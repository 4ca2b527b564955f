package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"checkout-service/internal/config"

	"github.com/shopspring/decimal"
)

type CartItem struct {
	BookID    int64           `json:"bookId"`
	Quantity  int32           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type CartStore struct {
	StoreID int64      `json:"storeId"`
	Items   []CartItem `json:"items"`
}

type Cart struct {
	CustomerID string      `json:"customerId"`
	Stores     []CartStore `json:"stores"`
}

type CartClient interface {
	GetCart(ctx context.Context, customerID, accessToken string) (*Cart, error)
	ClearCart(ctx context.Context, customerID, accessToken string) error
	ClearStore(ctx context.Context, customerID string, storeID int64, accessToken string) error
}

type cartClientImpl struct {
	baseURL    string
	httpClient *http.Client
}

func NewCartClient(cfg *config.Cart) CartClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &cartClientImpl{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *cartClientImpl) GetCart(ctx context.Context, customerID, accessToken string) (*Cart, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/cart/"+url.PathEscape(customerID), accessToken)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Cart{CustomerID: customerID}, nil
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cart service returned status %d: %s", resp.StatusCode, string(b))
	}

	var cart Cart
	if err := json.NewDecoder(resp.Body).Decode(&cart); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return &cart, nil
}

func (c *cartClientImpl) ClearCart(ctx context.Context, customerID, accessToken string) error {
	return c.delete(ctx, "/api/cart/"+url.PathEscape(customerID), accessToken)
}

func (c *cartClientImpl) ClearStore(ctx context.Context, customerID string, storeID int64, accessToken string) error {
	return c.delete(ctx, fmt.Sprintf("/api/cart/%s/store/%d", url.PathEscape(customerID), storeID), accessToken)
}

func (c *cartClientImpl) delete(ctx context.Context, path, accessToken string) error {
	resp, err := c.send(ctx, http.MethodDelete, path, accessToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cart service returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *cartClientImpl) send(ctx context.Context, method, path, accessToken string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("http new request: %w", err)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cart service request failed: %w", err)
	}
	return resp, nil
}
