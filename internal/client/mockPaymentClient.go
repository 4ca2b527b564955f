package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// mockProviderClient is a development provider: it hands out fake
// redirect URLs and trusts the status field of the callback form.
type mockProviderClient struct {
	baseURL string

	mu      sync.Mutex
	settled map[string]bool
}

func NewMockProviderClient(baseURL string) PaymentProviderClient {
	if baseURL == "" {
		baseURL = "https://pay.fake"
	}
	return &mockProviderClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		settled: make(map[string]bool),
	}
}

func (c *mockProviderClient) Initiate(ctx context.Context, req *PaymentRequest) (*InitiateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ref := "TX-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	q := url.Values{}
	q.Set("amount", req.Amount.StringFixed(2))
	q.Set("order", req.TransactionID.String())

	return &InitiateResult{
		Success:     true,
		PaymentURL:  fmt.Sprintf("%s/%s?%s", c.baseURL, ref, q.Encode()),
		ProviderRef: ref,
		Message:     "mock payment created",
	}, nil
}

func (c *mockProviderClient) HandleCallback(ctx context.Context, req *CallbackRequest) (*CallbackResult, error) {
	if id, ok := req.Params["transactionId"]; ok && id != req.ProviderRef {
		return unverified(req.ProviderRef, "reference mismatch"), nil
	}

	res := &CallbackResult{Verified: true, ProviderRef: req.ProviderRef}
	switch strings.ToLower(req.Params["status"]) {
	case "success", "paid":
		res.Success = true
		res.Message = "mock payment succeeded"
		c.mu.Lock()
		c.settled[req.ProviderRef] = true
		c.mu.Unlock()
	case "failed", "canceled", "cancelled":
		res.Message = "mock payment failed"
	default:
		res.Ignored = true
		res.Message = "no payment outcome"
	}
	return res, nil
}

func (c *mockProviderClient) CheckStatus(ctx context.Context, providerRef string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled[providerRef], nil
}
