package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"checkout-service/internal/config"
	"checkout-service/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var ErrProviderNotConfigured = errors.New("payment provider not configured")

type PaymentRequest struct {
	TransactionID uuid.UUID
	Amount        decimal.Decimal
	OrderInfo     string
	ClientIP      string
}

type InitiateResult struct {
	Success     bool
	PaymentURL  string
	ProviderRef string
	Message     string
}

// CallbackRequest carries a raw provider notification. Amount is the
// locally stored transaction amount, used by providers that echo it back.
type CallbackRequest struct {
	ProviderRef string
	Amount      decimal.Decimal
	Params      map[string]string
	Headers     http.Header
	Body        []byte
}

type CallbackResult struct {
	// Verified is false when the payload failed integrity checks; the
	// outcome fields are then meaningless.
	Verified bool
	Success  bool
	// Ignored marks verified notifications that carry no payment outcome.
	Ignored     bool
	ProviderRef string
	Message     string
}

type PaymentProviderClient interface {
	Initiate(ctx context.Context, req *PaymentRequest) (*InitiateResult, error)
	HandleCallback(ctx context.Context, req *CallbackRequest) (*CallbackResult, error)
	CheckStatus(ctx context.Context, providerRef string) (bool, error)
}

type PaymentProviders map[model.PaymentProvider]PaymentProviderClient

func (p PaymentProviders) Get(provider model.PaymentProvider) (PaymentProviderClient, error) {
	c, ok := p[provider]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}
	return c, nil
}

// NewPaymentProviders registers every provider that has credentials
// configured. The mock provider is only added when explicitly enabled.
func NewPaymentProviders(cfg *config.Config) PaymentProviders {
	providers := PaymentProviders{}
	if cfg.VNPay.TmnCode != "" && cfg.VNPay.HashSecret != "" {
		providers[model.ProviderVNPay] = NewVNPayClient(&cfg.VNPay, cfg.Payment.RatePerSecond)
	}
	if cfg.Paypal.ClientID != "" && cfg.Paypal.ClientSecret != "" {
		providers[model.ProviderPayPal] = NewPaypalClient(&cfg.Paypal, cfg.BaseURL, cfg.Payment.RatePerSecond)
	}
	if cfg.BrainTree.MerchantID != "" {
		providers[model.ProviderBraintree] = NewBraintreeClient(&cfg.BrainTree)
	}
	if cfg.Payment.EnableMock {
		providers[model.ProviderMock] = NewMockProviderClient("")
	}
	return providers
}

func newRateLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), int(math.Max(1, math.Ceil(perSecond))))
}

func unverified(ref, msg string) *CallbackResult {
	return &CallbackResult{ProviderRef: ref, Message: msg}
}
