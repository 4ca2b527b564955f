package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"checkout-service/internal/client"
	"checkout-service/internal/dto"
	"checkout-service/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func verifiedSuccess(ref string) *client.CallbackResult {
	return &client.CallbackResult{Verified: true, Success: true, ProviderRef: ref}
}

func callbackPayload() *CallbackPayload {
	return &CallbackPayload{Params: map[string]string{"status": "success"}}
}

func TestHandlePaymentCallback_UnknownReference(t *testing.T) {
	env := newTestEnv(t)
	resp := env.onlineCheckout(t, "REF-KNOWN")

	ok, err := env.payments.HandlePaymentCallback(context.Background(), model.ProviderVNPay, "does-not-exist", callbackPayload())
	require.NoError(t, err)
	assert.False(t, ok)

	env.provider.AssertNotCalled(t, "HandleCallback", mock.Anything, mock.Anything)
	ptx := env.transaction(t, resp.Payment.TransactionID)
	assert.Equal(t, model.PaymentStatusPending, ptx.PaymentStatus)

	n, err := env.callbackRepo.CountByRef(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHandlePaymentCallback_IdempotentSuccess(t *testing.T) {
	env := newTestEnv(t)
	resp := env.onlineCheckout(t, "REF-PAY")
	env.provider.On("HandleCallback", mock.Anything, mock.AnythingOfType("*client.CallbackRequest")).
		Return(verifiedSuccess("REF-PAY"), nil)

	ok, err := env.payments.HandlePaymentCallback(context.Background(), model.ProviderVNPay, "REF-PAY", callbackPayload())
	require.NoError(t, err)
	assert.True(t, ok)

	first := env.transaction(t, resp.Payment.TransactionID)
	require.NotNil(t, first.PaidDate)
	assert.Equal(t, model.PaymentStatusPaid, first.PaymentStatus)

	ok, err = env.payments.HandlePaymentCallback(context.Background(), model.ProviderVNPay, "REF-PAY", callbackPayload())
	require.NoError(t, err)
	assert.True(t, ok)

	second := env.transaction(t, resp.Payment.TransactionID)
	require.NotNil(t, second.PaidDate)
	assert.True(t, first.PaidDate.Equal(*second.PaidDate))

	for _, o := range resp.Orders {
		order := env.order(t, o.ID)
		assert.Equal(t, model.PaymentStatusPaid, order.PaymentStatus)
		assert.Equal(t, model.OrderStatusConfirmed, order.OrderStatus)
	}

	assert.Equal(t, 1, env.events(t, resp.Payment.TransactionID, model.EventTypePaymentPaid))
	// the duplicate never reaches the provider
	env.provider.AssertNumberOfCalls(t, "HandleCallback", 1)

	call := env.provider.Calls[1].Arguments.Get(1).(*client.CallbackRequest)
	assert.True(t, call.Amount.Equal(first.TotalAmount))
	assert.Equal(t, "success", call.Params["status"])
}

func TestHandlePaymentCallback_FailureCancelsOrders(t *testing.T) {
	env := newTestEnv(t)
	resp := env.onlineCheckout(t, "REF-FAIL")
	env.provider.On("HandleCallback", mock.Anything, mock.Anything).
		Return(&client.CallbackResult{Verified: true, Success: false, ProviderRef: "REF-FAIL", Message: "24"}, nil).Once()

	ok, err := env.payments.HandlePaymentCallback(context.Background(), model.ProviderVNPay, "REF-FAIL", callbackPayload())
	require.NoError(t, err)
	assert.False(t, ok)

	ptx := env.transaction(t, resp.Payment.TransactionID)
	assert.Equal(t, model.PaymentStatusFailed, ptx.PaymentStatus)
	assert.Nil(t, ptx.PaidDate)
	for _, o := range resp.Orders {
		order := env.order(t, o.ID)
		assert.Equal(t, model.PaymentStatusFailed, order.PaymentStatus)
		assert.Equal(t, model.OrderStatusCanceled, order.OrderStatus)
	}
	assert.Equal(t, 1, env.events(t, resp.Payment.TransactionID, model.EventTypePaymentFailed))

	// a late success cannot revive a failed transaction
	ok, err = env.payments.HandlePaymentCallback(context.Background(), model.ProviderVNPay, "REF-FAIL", callbackPayload())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.PaymentStatusFailed, env.transaction(t, resp.Payment.TransactionID).PaymentStatus)
}

func TestHandlePaymentCallback_UnverifiedPayloadChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	resp := env.onlineCheckout(t, "REF-FORGED")
	env.provider.On("HandleCallback", mock.Anything, mock.Anything).
		Return(&client.CallbackResult{Verified: false, Success: true, ProviderRef: "REF-FORGED", Message: "bad signature"}, nil)

	ok, err := env.payments.HandlePaymentCallback(context.Background(), model.ProviderVNPay, "REF-FORGED", callbackPayload())
	require.NoError(t, err)
	assert.False(t, ok)

	ptx := env.transaction(t, resp.Payment.TransactionID)
	assert.Equal(t, model.PaymentStatusPending, ptx.PaymentStatus)
	assert.Zero(t, env.events(t, resp.Payment.TransactionID, model.EventTypePaymentPaid))
}

func TestHandlePaymentCallback_VerificationErrorIsRejected(t *testing.T) {
	env := newTestEnv(t)
	resp := env.onlineCheckout(t, "REF-ERR")
	env.provider.On("HandleCallback", mock.Anything, mock.Anything).Return(nil, errors.New("verify endpoint down")).Once()
	env.provider.On("HandleCallback", mock.Anything, mock.Anything).Return(verifiedSuccess("REF-ERR"), nil).Once()

	outcome, err := env.payments.ProcessCallback(context.Background(), model.ProviderVNPay, "REF-ERR", callbackPayload())
	require.NoError(t, err)
	assert.Equal(t, CallbackRejected, outcome.Result)
	assert.False(t, outcome.Paid)

	ptx := env.transaction(t, resp.Payment.TransactionID)
	assert.Equal(t, model.PaymentStatusPending, ptx.PaymentStatus)
	assert.Nil(t, ptx.CallbackClaimedAt)
	assert.Zero(t, env.events(t, resp.Payment.TransactionID, model.EventTypePaymentFailed))

	// the provider's retry is settled normally
	ok, err := env.payments.HandlePaymentCallback(context.Background(), model.ProviderVNPay, "REF-ERR", callbackPayload())
	require.NoError(t, err)
	assert.True(t, ok)
}

// chargingProvider moves money on callback, as a Braintree sale does. The
// first sale succeeds once released; any later one is declined at once.
type chargingProvider struct {
	client.PaymentProviderClient
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newChargingProvider() *chargingProvider {
	return &chargingProvider{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *chargingProvider) HandleCallback(_ context.Context, req *client.CallbackRequest) (*client.CallbackResult, error) {
	if p.calls.Add(1) == 1 {
		close(p.entered)
		<-p.release
		return &client.CallbackResult{Verified: true, Success: true, ProviderRef: req.ProviderRef}, nil
	}
	return &client.CallbackResult{Verified: true, Success: false, ProviderRef: req.ProviderRef, Message: "declined"}, nil
}

func (e *testEnv) assertPaidOnce(t *testing.T, resp *dto.CheckoutResponse) {
	t.Helper()
	ptx := e.transaction(t, resp.Payment.TransactionID)
	assert.Equal(t, model.PaymentStatusPaid, ptx.PaymentStatus)
	assert.Nil(t, ptx.CallbackClaimedAt)
	for _, o := range resp.Orders {
		order := e.order(t, o.ID)
		assert.Equal(t, model.PaymentStatusPaid, order.PaymentStatus)
		assert.Equal(t, model.OrderStatusConfirmed, order.OrderStatus)
	}
	assert.Equal(t, 1, e.events(t, resp.Payment.TransactionID, model.EventTypePaymentPaid))
	assert.Zero(t, e.events(t, resp.Payment.TransactionID, model.EventTypePaymentFailed))
}

func TestProcessCallback_ConcurrentSalesChargeOnce(t *testing.T) {
	env := newTestEnv(t)
	resp := env.onlineCheckout(t, "REF-SALE")
	provider := newChargingProvider()
	payments := env.paymentsWith(provider)

	var (
		wg       sync.WaitGroup
		outcomes [2]*CallbackOutcome
		errs     [2]error
	)
	run := func(i int) {
		defer wg.Done()
		outcomes[i], errs[i] = payments.ProcessCallback(context.Background(), model.ProviderVNPay, "REF-SALE", callbackPayload())
	}

	wg.Add(2)
	go run(0)
	<-provider.entered
	go run(1)
	// let the second caller queue up behind the slow sale
	time.Sleep(20 * time.Millisecond)
	close(provider.release)
	wg.Wait()

	for i := range outcomes {
		require.NoError(t, errs[i])
		assert.True(t, outcomes[i].Paid)
		assert.Equal(t, model.PaymentStatusPaid, outcomes[i].Status)
	}
	assert.Equal(t, CallbackSucceeded, outcomes[0].Result)
	assert.Equal(t, CallbackDuplicate, outcomes[1].Result)
	assert.EqualValues(t, 1, provider.calls.Load())
	env.assertPaidOnce(t, resp)
}

func TestProcessCallback_ClaimHeldByAnotherReplica(t *testing.T) {
	env := newTestEnv(t)
	resp := env.onlineCheckout(t, "REF-SALE-2")
	provider := newChargingProvider()
	first, second := env.paymentsWith(provider), env.paymentsWith(provider)

	var (
		wg       sync.WaitGroup
		settled  *CallbackOutcome
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		settled, firstErr = first.ProcessCallback(context.Background(), model.ProviderVNPay, "REF-SALE-2", callbackPayload())
	}()
	<-provider.entered

	outcome, err := second.ProcessCallback(context.Background(), model.ProviderVNPay, "REF-SALE-2", callbackPayload())
	require.NoError(t, err)
	assert.Equal(t, CallbackInProgress, outcome.Result)
	assert.Equal(t, model.PaymentStatusPending, outcome.Status)
	assert.False(t, outcome.Paid)
	assert.EqualValues(t, 1, provider.calls.Load(), "no second sale while the first is open")

	close(provider.release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, CallbackSucceeded, settled.Result)

	outcome, err = second.ProcessCallback(context.Background(), model.ProviderVNPay, "REF-SALE-2", callbackPayload())
	require.NoError(t, err)
	assert.Equal(t, CallbackDuplicate, outcome.Result)
	assert.True(t, outcome.Paid)
	assert.EqualValues(t, 1, provider.calls.Load())
	env.assertPaidOnce(t, resp)
}

func TestHandleProviderReturn(t *testing.T) {
	env := newTestEnv(t)
	resp := env.onlineCheckout(t, "REF-BACK")
	env.provider.On("CheckStatus", mock.Anything, "REF-BACK").Return(true, nil).Once()

	status, err := env.payments.HandleProviderReturn(context.Background(), model.ProviderVNPay, "REF-BACK")
	require.NoError(t, err)
	assert.True(t, status.Paid)
	assert.Equal(t, resp.Payment.TransactionID, status.PaymentTransactionID)
	for _, o := range resp.Orders {
		assert.Equal(t, model.OrderStatusConfirmed, env.order(t, o.ID).OrderStatus)
	}

	// a reload of the return page does not reach the provider again
	status, err = env.payments.HandleProviderReturn(context.Background(), model.ProviderVNPay, "REF-BACK")
	require.NoError(t, err)
	assert.True(t, status.Paid)
	env.provider.AssertNumberOfCalls(t, "CheckStatus", 1)

	_, err = env.payments.HandleProviderReturn(context.Background(), model.ProviderPayPal, "REF-BACK")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.payments.HandleProviderReturn(context.Background(), model.ProviderVNPay, "REF-MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandlePaymentCallback_ProviderMismatchIsUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.onlineCheckout(t, "REF-VNPAY")

	ok, err := env.payments.HandlePaymentCallback(context.Background(), model.ProviderPayPal, "REF-VNPAY", callbackPayload())
	require.NoError(t, err)
	assert.False(t, ok)
	env.provider.AssertNotCalled(t, "HandleCallback", mock.Anything, mock.Anything)
}

func TestUpdatePaymentStatusAfterScan(t *testing.T) {
	t.Run("pending before any callback", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.onlineCheckout(t, "REF-POLL")
		env.provider.On("CheckStatus", mock.Anything, "REF-POLL").Return(false, nil).Once()

		status, err := env.payments.UpdatePaymentStatusAfterScan(context.Background(), testCustomer, uuid.MustParse(resp.Orders[0].ID))
		require.NoError(t, err)
		assert.Equal(t, "Pending", status.Status)
		assert.Equal(t, "REF-POLL", status.ProviderRef)
		assert.False(t, status.Paid)

		ptx := env.transaction(t, resp.Payment.TransactionID)
		assert.Equal(t, model.PaymentStatusPending, ptx.PaymentStatus)
		assert.Equal(t, model.PaymentStatusPending, env.order(t, resp.Orders[0].ID).PaymentStatus)
	})

	t.Run("status check error is not yet paid", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.onlineCheckout(t, "REF-SLOW")
		env.provider.On("CheckStatus", mock.Anything, "REF-SLOW").Return(false, context.DeadlineExceeded).Once()

		status, err := env.payments.UpdatePaymentStatusAfterScan(context.Background(), testCustomer, uuid.MustParse(resp.Orders[0].ID))
		require.NoError(t, err)
		assert.Equal(t, "Pending", status.Status)
		assert.Equal(t, model.PaymentStatusPending, env.transaction(t, resp.Payment.TransactionID).PaymentStatus)
	})

	t.Run("provider reports paid", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.onlineCheckout(t, "REF-SCANNED")
		env.provider.On("CheckStatus", mock.Anything, "REF-SCANNED").Return(true, nil).Once()

		status, err := env.payments.UpdatePaymentStatusAfterScan(context.Background(), testCustomer, uuid.MustParse(resp.Orders[0].ID))
		require.NoError(t, err)
		assert.Equal(t, "Paid", status.Status)
		assert.True(t, status.Paid)

		for _, o := range resp.Orders {
			assert.Equal(t, model.OrderStatusConfirmed, env.order(t, o.ID).OrderStatus)
		}

		// the order is now paid, so the next poll short-circuits
		status, err = env.payments.UpdatePaymentStatusAfterScan(context.Background(), testCustomer, uuid.MustParse(resp.Orders[1].ID))
		require.NoError(t, err)
		assert.True(t, status.Paid)
		env.provider.AssertNumberOfCalls(t, "CheckStatus", 1)
	})

	t.Run("lagging orders are synced", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.onlineCheckout(t, "REF-LAG")
		now := time.Now()
		moved, err := env.txRepo.UpdateStatus(context.Background(), env.db, uuid.MustParse(resp.Payment.TransactionID),
			model.PaymentStatusPending, model.PaymentStatusPaid, &now)
		require.NoError(t, err)
		require.True(t, moved)

		status, err := env.payments.UpdatePaymentStatusAfterScan(context.Background(), testCustomer, uuid.MustParse(resp.Orders[0].ID))
		require.NoError(t, err)
		assert.True(t, status.Paid)
		for _, o := range resp.Orders {
			order := env.order(t, o.ID)
			assert.Equal(t, model.PaymentStatusPaid, order.PaymentStatus)
			assert.Equal(t, model.OrderStatusConfirmed, order.OrderStatus)
		}
		env.provider.AssertNotCalled(t, "CheckStatus", mock.Anything, mock.Anything)
	})

	t.Run("order without transaction", func(t *testing.T) {
		env := newTestEnv(t)
		resp, err := env.checkout.CreateSingleOrder(context.Background(), testCustomer, deferredOrder(), testToken, "")
		require.NoError(t, err)

		_, err = env.payments.UpdatePaymentStatusAfterScan(context.Background(), testCustomer, uuid.MustParse(resp.Orders[0].ID))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("unknown order", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.payments.UpdatePaymentStatusAfterScan(context.Background(), testCustomer, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("other customer's order", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.onlineCheckout(t, "REF-MINE")
		_, err := env.payments.UpdatePaymentStatusAfterScan(context.Background(), "someone-else", uuid.MustParse(resp.Orders[0].ID))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCallbackAndPollRace(t *testing.T) {
	for i := 0; i < 10; i++ {
		t.Run(fmt.Sprintf("round %d", i), func(t *testing.T) {
			env := newTestEnv(t)
			ref := fmt.Sprintf("REF-RACE-%d", i)
			resp := env.onlineCheckout(t, ref)

			env.provider.On("HandleCallback", mock.Anything, mock.Anything).Return(verifiedSuccess(ref), nil).Maybe()
			env.provider.On("CheckStatus", mock.Anything, ref).Return(true, nil).Maybe()

			var (
				wg       sync.WaitGroup
				paid     bool
				callErr  error
				polled   *dto.PaymentStatusResponse
				pollErr  error
				orderID  = uuid.MustParse(resp.Orders[0].ID)
				start    = make(chan struct{})
				ctx      = context.Background()
				payments = env.payments
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				paid, callErr = payments.HandlePaymentCallback(ctx, model.ProviderVNPay, ref, callbackPayload())
			}()
			go func() {
				defer wg.Done()
				<-start
				polled, pollErr = payments.UpdatePaymentStatusAfterScan(ctx, testCustomer, orderID)
			}()
			close(start)
			wg.Wait()

			require.NoError(t, callErr)
			require.NoError(t, pollErr)
			assert.True(t, paid)
			assert.True(t, polled.Paid)

			assert.Equal(t, model.PaymentStatusPaid, env.transaction(t, resp.Payment.TransactionID).PaymentStatus)
			for _, o := range resp.Orders {
				assert.Equal(t, model.PaymentStatusPaid, env.order(t, o.ID).PaymentStatus)
			}
			assert.Equal(t, 1, env.events(t, resp.Payment.TransactionID, model.EventTypePaymentPaid))
		})
	}
}

func deferredOrder() *dto.CreateOrderRequest {
	return &dto.CreateOrderRequest{
		Phone: "1", Address: "a", PaymentMethod: "OnlineQR", PaymentProvider: "VNPay", StoreID: 3,
		Items:        []*dto.Item{item(1, 1, "9.99")},
		DeferPayment: true,
	}
}

func TestInitiatePayment(t *testing.T) {
	t.Run("deferred order gets its own transaction", func(t *testing.T) {
		env := newTestEnv(t)
		created, err := env.checkout.CreateSingleOrder(context.Background(), testCustomer, deferredOrder(), testToken, "")
		require.NoError(t, err)
		assert.Nil(t, created.Payment)
		assert.Empty(t, created.Orders[0].PaymentTransactionID)
		env.provider.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything)

		orderID := uuid.MustParse(created.Orders[0].ID)
		env.expectInitiate("REF-LATER")
		payment, err := env.payments.InitiatePayment(context.Background(), testCustomer, orderID, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, "9.99", payment.TotalAmount.StringFixed(2))
		assert.Equal(t, "REF-LATER", payment.ProviderRef)
		assert.Equal(t, "Pending", payment.PaymentStatus)

		order := env.order(t, created.Orders[0].ID)
		require.NotNil(t, order.PaymentTransactionID)
		assert.Equal(t, payment.TransactionID, order.PaymentTransactionID.String())

		_, err = env.payments.InitiatePayment(context.Background(), testCustomer, orderID, "")
		assert.ErrorIs(t, err, ErrConflict)
		env.provider.AssertNumberOfCalls(t, "Initiate", 1)
	})

	t.Run("initiation failure stays linked and pending", func(t *testing.T) {
		env := newTestEnv(t)
		created, err := env.checkout.CreateSingleOrder(context.Background(), testCustomer, deferredOrder(), testToken, "")
		require.NoError(t, err)

		env.provider.On("Initiate", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded).Once()
		payment, err := env.payments.InitiatePayment(context.Background(), testCustomer, uuid.MustParse(created.Orders[0].ID), "")
		assert.ErrorIs(t, err, ErrInitiationFailed)
		require.NotNil(t, payment)
		assert.Equal(t, "Pending", payment.PaymentStatus)
		assert.Equal(t, model.PaymentStatusPending, env.order(t, created.Orders[0].ID).PaymentStatus)
	})

	t.Run("conflicts", func(t *testing.T) {
		env := newTestEnv(t)
		cod, err := env.checkout.CreateFromCart(context.Background(), testCustomer, twoStoreRequest("COD", ""), testToken, "")
		require.NoError(t, err)
		linked := env.onlineCheckout(t, "REF-LINKED")

		for _, id := range []string{cod.Orders[0].ID, linked.Orders[0].ID} {
			_, err := env.payments.InitiatePayment(context.Background(), testCustomer, uuid.MustParse(id), "")
			assert.ErrorIs(t, err, ErrConflict)
		}
		env.provider.AssertNumberOfCalls(t, "Initiate", 1)
	})

	t.Run("not found", func(t *testing.T) {
		env := newTestEnv(t)
		created, err := env.checkout.CreateSingleOrder(context.Background(), testCustomer, deferredOrder(), testToken, "")
		require.NoError(t, err)

		_, err = env.payments.InitiatePayment(context.Background(), "intruder", uuid.MustParse(created.Orders[0].ID), "")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = env.payments.InitiatePayment(context.Background(), testCustomer, uuid.New(), "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMarkRefunded(t *testing.T) {
	env := newTestEnv(t)
	cod, err := env.checkout.CreateFromCart(context.Background(), testCustomer, twoStoreRequest("COD", ""), testToken, "")
	require.NoError(t, err)

	refunded, err := env.payments.MarkRefunded(context.Background(), uuid.MustParse(cod.Payment.TransactionID))
	require.NoError(t, err)
	assert.Equal(t, "Refunded", refunded.PaymentStatus)
	for _, o := range cod.Orders {
		assert.Equal(t, model.OrderStatusCanceled, env.order(t, o.ID).OrderStatus)
	}
	assert.Equal(t, 1, env.events(t, cod.Payment.TransactionID, model.EventTypePaymentRefunded))

	pending := env.onlineCheckout(t, "REF-NOT-PAID")
	_, err = env.payments.MarkRefunded(context.Background(), uuid.MustParse(pending.Payment.TransactionID))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = env.payments.MarkRefunded(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
