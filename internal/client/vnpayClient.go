package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/config"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	vnpayVersion    = "2.1.0"
	vnpayTimeLayout = "20060102150405"
	vnpayExpiry     = 15 * time.Minute
)

var vnpayLocation = time.FixedZone("ICT", 7*60*60)

type vnpayClientImpl struct {
	httpClient *http.Client
	cfg        config.VNPay
	limiter    *rate.Limiter
	now        func() time.Time
}

type vnpayQueryResponse struct {
	ResponseCode      string `json:"vnp_ResponseCode"`
	Message           string `json:"vnp_Message"`
	TxnRef            string `json:"vnp_TxnRef"`
	TransactionStatus string `json:"vnp_TransactionStatus"`
}

func NewVNPayClient(cfg *config.VNPay, ratePerSecond float64) PaymentProviderClient {
	return &vnpayClientImpl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		cfg:     *cfg,
		limiter: newRateLimiter(ratePerSecond),
		now:     time.Now,
	}
}

// Initiate builds the signed redirect URL. No network call is made; the
// reference starts with the creation timestamp so a later querydr can
// recover vnp_TransactionDate from it.
func (c *vnpayClientImpl) Initiate(ctx context.Context, req *PaymentRequest) (*InitiateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	created := c.now().In(vnpayLocation)
	createDate := created.Format(vnpayTimeLayout)
	ref := createDate + strings.ReplaceAll(req.TransactionID.String(), "-", "")

	ip := req.ClientIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	info := req.OrderInfo
	if info == "" {
		info = "Thanh toan don hang " + req.TransactionID.String()
	}

	params := url.Values{}
	params.Set("vnp_Version", vnpayVersion)
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", c.cfg.TmnCode)
	params.Set("vnp_Amount", vnpayAmount(req.Amount))
	params.Set("vnp_CreateDate", createDate)
	params.Set("vnp_ExpireDate", created.Add(vnpayExpiry).Format(vnpayTimeLayout))
	params.Set("vnp_CurrCode", "VND")
	params.Set("vnp_IpAddr", ip)
	params.Set("vnp_Locale", c.cfg.Locale)
	params.Set("vnp_OrderInfo", info)
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_ReturnUrl", c.cfg.ReturnURL)
	params.Set("vnp_TxnRef", ref)
	if c.cfg.BankCode != "" {
		params.Set("vnp_BankCode", c.cfg.BankCode)
	}

	// Encode sorts by key, which is the order VNPay signs in.
	query := params.Encode()
	paymentURL := c.cfg.BaseURL + "?" + query + "&vnp_SecureHash=" + c.sign(query)

	return &InitiateResult{
		Success:     true,
		PaymentURL:  paymentURL,
		ProviderRef: ref,
	}, nil
}

// HandleCallback verifies a return-URL or IPN query string.
func (c *vnpayClientImpl) HandleCallback(ctx context.Context, req *CallbackRequest) (*CallbackResult, error) {
	params := req.Params

	got := strings.ToLower(params["vnp_SecureHash"])
	if got == "" {
		return unverified(req.ProviderRef, "missing secure hash"), nil
	}

	signed := url.Values{}
	for k, v := range params {
		if !strings.HasPrefix(k, "vnp_") || k == "vnp_SecureHash" || k == "vnp_SecureHashType" || v == "" {
			continue
		}
		signed.Set(k, v)
	}
	if !hmac.Equal([]byte(got), []byte(c.sign(signed.Encode()))) {
		return unverified(req.ProviderRef, "invalid signature"), nil
	}

	if params["vnp_TxnRef"] != req.ProviderRef {
		return unverified(req.ProviderRef, "reference mismatch"), nil
	}
	if !req.Amount.IsZero() && params["vnp_Amount"] != vnpayAmount(req.Amount) {
		return unverified(req.ProviderRef, "amount mismatch"), nil
	}

	code := params["vnp_ResponseCode"]
	status := params["vnp_TransactionStatus"]
	return &CallbackResult{
		Verified:    true,
		Success:     code == "00" && (status == "" || status == "00"),
		ProviderRef: req.ProviderRef,
		Message:     "vnp_ResponseCode=" + code,
	}, nil
}

// CheckStatus calls the querydr merchant API.
func (c *vnpayClientImpl) CheckStatus(ctx context.Context, providerRef string) (bool, error) {
	if len(providerRef) < len(vnpayTimeLayout) {
		return false, fmt.Errorf("vnpay reference %q has no transaction date", providerRef)
	}

	now := c.now().In(vnpayLocation).Format(vnpayTimeLayout)
	body := map[string]string{
		"vnp_RequestId":       strings.ReplaceAll(uuid.NewString(), "-", ""),
		"vnp_Version":         vnpayVersion,
		"vnp_Command":         "querydr",
		"vnp_TmnCode":         c.cfg.TmnCode,
		"vnp_TxnRef":          providerRef,
		"vnp_OrderInfo":       "Truy van giao dich " + providerRef,
		"vnp_TransactionDate": providerRef[:len(vnpayTimeLayout)],
		"vnp_CreateDate":      now,
		"vnp_IpAddr":          "127.0.0.1",
	}
	body["vnp_SecureHash"] = c.sign(strings.Join([]string{
		body["vnp_RequestId"],
		body["vnp_Version"],
		body["vnp_Command"],
		body["vnp_TmnCode"],
		body["vnp_TxnRef"],
		body["vnp_TransactionDate"],
		body["vnp_CreateDate"],
		body["vnp_IpAddr"],
		body["vnp_OrderInfo"],
	}, "|"))

	payload, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("marshal querydr payload: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.QueryURL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("vnpay querydr request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("vnpay querydr error %d: %s", resp.StatusCode, string(b))
	}

	var result vnpayQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode querydr response: %w", err)
	}

	switch result.ResponseCode {
	case "00":
		return result.TransactionStatus == "00", nil
	case "91": // transaction not found yet
		return false, nil
	default:
		return false, fmt.Errorf("vnpay querydr rejected: %s %s", result.ResponseCode, result.Message)
	}
}

func (c *vnpayClientImpl) sign(data string) string {
	mac := hmac.New(sha512.New, []byte(c.cfg.HashSecret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// vnpayAmount is the amount in the smallest unit times 100, as VNPay expects.
func vnpayAmount(amount decimal.Decimal) string {
	return strconv.FormatInt(amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart(), 10)
}
