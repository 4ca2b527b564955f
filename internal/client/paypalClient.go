package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"checkout-service/internal/config"
	"checkout-service/internal/model"

	"golang.org/x/time/rate"
)

type paypalClientImpl struct {
	httpClient         *http.Client
	baseApiURL         string
	paypalClientID     string
	paypalClientSecret string
	webhookID          string
	currency           string
	serviceBaseURL     string
	limiter            *rate.Limiter

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewPaypalClient(paypalCfg *config.Paypal, serviceBaseURL string, ratePerSecond float64) PaymentProviderClient {
	currency := paypalCfg.Currency
	if currency == "" {
		currency = "USD"
	}
	return &paypalClientImpl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseApiURL:         strings.TrimRight(paypalCfg.BaseApiURL, "/"),
		paypalClientID:     paypalCfg.ClientID,
		paypalClientSecret: paypalCfg.ClientSecret,
		webhookID:          paypalCfg.WebhookID,
		currency:           currency,
		serviceBaseURL:     strings.TrimRight(serviceBaseURL, "/"),
		limiter:            newRateLimiter(ratePerSecond),
	}
}

func (c *paypalClientImpl) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	auth := base64.StdEncoding.EncodeToString(
		[]byte(c.paypalClientID + ":" + c.paypalClientSecret),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseApiURL+"/v1/oauth2/token",
		bytes.NewBufferString("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("paypal oauth error %d: %s", resp.StatusCode, string(b))
	}

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode oauth response: %w", err)
	}

	c.accessToken = res.AccessToken
	// refresh a minute early
	c.tokenExpiry = time.Now().Add(time.Duration(res.ExpiresIn)*time.Second - time.Minute)
	return c.accessToken, nil
}

// do sends an authenticated JSON request and decodes a 2xx body into out.
func (c *paypalClientImpl) do(ctx context.Context, method, path, requestID string, payload, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("get paypal access token: %w", err)
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal req payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseApiURL+path, body)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		// PayPal replays the original response for a repeated request id
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paypal request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("paypal error %d: %s", resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode paypal response: %w", err)
	}
	return nil
}

func (c *paypalClientImpl) Initiate(ctx context.Context, req *PaymentRequest) (*InitiateResult, error) {
	txID := req.TransactionID.String()
	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{
			{
				"reference_id": txID,
				"custom_id":    txID,
				"description":  req.OrderInfo,
				"amount": map[string]string{
					"currency_code": c.currency,
					"value":         req.Amount.StringFixed(2),
				},
			},
		},
		"application_context": map[string]string{
			"return_url": fmt.Sprintf("%s/api/payments/paypal/return", c.serviceBaseURL),
			"cancel_url": c.serviceBaseURL, // if user cancel during paypal payment, return to our homepage
		},
	}

	var order model.PaypalOrder
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", "create-"+txID, payload, &order); err != nil {
		return nil, fmt.Errorf("paypal api create order: %w", err)
	}

	approveURL := order.ApproveURL()
	if approveURL == "" {
		return &InitiateResult{ProviderRef: order.ID, Message: "paypal returned no approve link"}, nil
	}

	return &InitiateResult{
		Success:     true,
		PaymentURL:  approveURL,
		ProviderRef: order.ID,
		Message:     order.Status,
	}, nil
}

// CheckStatus reports a PayPal order as paid once captured, capturing an
// approved order on the way.
func (c *paypalClientImpl) CheckStatus(ctx context.Context, providerRef string) (bool, error) {
	var order model.PaypalOrder
	if err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+providerRef, "", nil, &order); err != nil {
		return false, fmt.Errorf("paypal api get order: %w", err)
	}

	switch order.Status {
	case "COMPLETED":
		return true, nil
	case "APPROVED":
		captured, err := c.captureOrder(ctx, providerRef)
		if err != nil {
			return false, err
		}
		return captured.Status == "COMPLETED" || captured.Captured(), nil
	default:
		return false, nil
	}
}

func (c *paypalClientImpl) captureOrder(ctx context.Context, orderID string) (*model.PaypalOrder, error) {
	var order model.PaypalOrder
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", orderID)
	if err := c.do(ctx, http.MethodPost, path, "capture-"+orderID, map[string]string{}, &order); err != nil {
		return nil, fmt.Errorf("paypal capture failed: %w", err)
	}
	return &order, nil
}

func (c *paypalClientImpl) HandleCallback(ctx context.Context, req *CallbackRequest) (*CallbackResult, error) {
	ok, err := c.verifyWebhookSignature(ctx, req.Headers, req.Body)
	if err != nil {
		return nil, fmt.Errorf("verify webhook signature: %w", err)
	}
	if !ok {
		return unverified(req.ProviderRef, "invalid webhook signature"), nil
	}

	var event model.PayPalWebhookEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return unverified(req.ProviderRef, "undecodable webhook payload"), nil
	}
	if event.OrderID() != req.ProviderRef {
		return unverified(req.ProviderRef, "reference mismatch"), nil
	}

	res := &CallbackResult{Verified: true, ProviderRef: req.ProviderRef, Message: event.EventType}
	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED", "CHECKOUT.ORDER.COMPLETED":
		res.Success = true
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED", "CHECKOUT.PAYMENT-APPROVAL.REVERSED":
		res.Success = false
	case "CHECKOUT.ORDER.APPROVED":
		captured, err := c.captureOrder(ctx, req.ProviderRef)
		if err != nil {
			return nil, err
		}
		if captured.Status == "COMPLETED" || captured.Captured() {
			res.Success = true
		} else {
			res.Ignored = true
		}
	default:
		res.Ignored = true
	}
	return res, nil
}

func (c *paypalClientImpl) verifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) (bool, error) {
	if c.webhookID == "" {
		return false, nil
	}

	payload := map[string]interface{}{
		"auth_algo":         headers.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          headers.Get("PAYPAL-CERT-URL"),
		"transmission_id":   headers.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  headers.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": headers.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        c.webhookID,
		"webhook_event":     json.RawMessage(body),
	}

	var res struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", "", payload, &res); err != nil {
		return false, err
	}
	return res.VerificationStatus == "SUCCESS", nil
}

// PaypalOrderIDFromWebhook extracts the order id a webhook body refers to.
func PaypalOrderIDFromWebhook(body []byte) string {
	var event model.PayPalWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return ""
	}
	return event.OrderID()
}
