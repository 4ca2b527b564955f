package client

import (
	"context"
	"fmt"
	"net/url"

	"checkout-service/internal/config"

	"github.com/braintree-go/braintree-go"
	"github.com/shopspring/decimal"
)

// braintreeClientImpl drives a hosted drop-in page: Initiate hands the page
// a client token, the page posts back a nonce, and the callback charges it.
type braintreeClientImpl struct {
	gateway         *braintree.Braintree
	checkoutPageURL string
}

// NewBraintreeClient initializes the Braintree SDK gateway
func NewBraintreeClient(cfg *config.Braintree) PaymentProviderClient {
	env := braintree.Sandbox
	if cfg.Environment == "production" {
		env = braintree.Production
	}

	gateway := braintree.New(
		env,
		cfg.MerchantID,
		cfg.PublicKey,
		cfg.PrivateKey,
	)

	return &braintreeClientImpl{
		gateway:         gateway,
		checkoutPageURL: cfg.CheckoutPageURL,
	}
}

func (c *braintreeClientImpl) Initiate(ctx context.Context, req *PaymentRequest) (*InitiateResult, error) {
	token, err := c.gateway.ClientToken().Generate(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate braintree client token: %w", err)
	}

	// our transaction id doubles as the Braintree order id
	ref := req.TransactionID.String()

	q := url.Values{}
	q.Set("transaction", ref)
	q.Set("amount", req.Amount.StringFixed(2))
	q.Set("client_token", token)

	return &InitiateResult{
		Success:     true,
		PaymentURL:  c.checkoutPageURL + "?" + q.Encode(),
		ProviderRef: ref,
	}, nil
}

// HandleCallback charges the nonce posted by the drop-in page. The sale
// result from the gateway is the verification.
func (c *braintreeClientImpl) HandleCallback(ctx context.Context, req *CallbackRequest) (*CallbackResult, error) {
	nonce := req.Params["payment_method_nonce"]
	if nonce == "" {
		return unverified(req.ProviderRef, "missing payment method nonce"), nil
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return unverified(req.ProviderRef, "no amount to charge"), nil
	}

	// Braintree expects NewDecimal(unscaled, scale): "50.00" -> NewDecimal(5000, 2)
	cents := req.Amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()

	tx, err := c.gateway.Transaction().Create(ctx, &braintree.TransactionRequest{
		Type:               "sale",
		Amount:             braintree.NewDecimal(cents, 2),
		PaymentMethodNonce: nonce,
		OrderId:            req.ProviderRef,
		Options: &braintree.TransactionOptions{
			SubmitForSettlement: true, // Captures the funds immediately
		},
	})
	if err != nil {
		return nil, fmt.Errorf("braintree sale failed: %w", err)
	}

	res := &CallbackResult{Verified: true, ProviderRef: req.ProviderRef, Message: string(tx.Status)}
	switch tx.Status {
	case braintree.TransactionStatusAuthorized,
		braintree.TransactionStatusSubmittedForSettlement,
		braintree.TransactionStatusSettling,
		braintree.TransactionStatusSettled:
		res.Success = true
	case braintree.TransactionStatusProcessorDeclined,
		braintree.TransactionStatusGatewayRejected,
		braintree.TransactionStatusFailed:
		res.Message = fmt.Sprintf("%s: %s", tx.Status, tx.ProcessorResponseText)
	default:
		res.Ignored = true
	}
	return res, nil
}

// CheckStatus always reports unpaid: a Braintree payment settles in the
// callback that charges the nonce, never asynchronously.
func (c *braintreeClientImpl) CheckStatus(ctx context.Context, providerRef string) (bool, error) {
	return false, nil
}
