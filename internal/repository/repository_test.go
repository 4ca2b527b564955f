package repository

import (
	"context"
	"testing"
	"time"

	"checkout-service/internal/model"
	"checkout-service/internal/testutil"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newOrder(number string) *model.Order {
	o := &model.Order{
		OrderNumber:   number,
		CustomerID:    "cust-1",
		StoreID:       1,
		OrderStatus:   model.OrderStatusCreated,
		PaymentMethod: model.PaymentMethodOnlineQR,
		PaymentStatus: model.PaymentStatusPending,
		Items: []model.OrderItem{
			model.NewOrderItem(10, 2, decimal.RequireFromString("5.00")),
		},
	}
	o.Recalculate()
	return o
}

func TestOrderRepository_CreateManyWithItems(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewOrderRepository(db)

	orders := []*model.Order{newOrder("ORD-1"), newOrder("ORD-2")}
	require.NoError(t, repo.CreateMany(ctx, db, orders))

	got, err := repo.FindByID(ctx, orders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", got.OrderNumber)
	require.Len(t, got.Items, 1)
	assert.Equal(t, orders[0].ID, got.Items[0].OrderID)
	assert.Equal(t, "10.00", got.TotalPrice.StringFixed(2))
}

func TestOrderRepository_DuplicateOrderNumber(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewOrderRepository(db)

	require.NoError(t, repo.CreateMany(ctx, db, []*model.Order{newOrder("ORD-DUP")}))
	err := repo.CreateMany(ctx, db, []*model.Order{newOrder("ORD-DUP")})
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestOrderRepository_LinkTransactionOnce(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewOrderRepository(db)

	order := newOrder("ORD-LINK")
	require.NoError(t, repo.CreateMany(ctx, db, []*model.Order{order}))

	first, second := uuid.New(), uuid.New()
	ok, err := repo.LinkTransaction(ctx, db, order.ID, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.LinkTransaction(ctx, db, order.ID, second)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PaymentTransactionID)
	assert.Equal(t, first, *got.PaymentTransactionID)
}

func TestOrderRepository_SyncPaymentStatusOnlyTouchesLagging(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewOrderRepository(db)

	txID := uuid.New()
	a, b := newOrder("ORD-A"), newOrder("ORD-B")
	a.PaymentTransactionID, b.PaymentTransactionID = &txID, &txID
	b.PaymentStatus = model.PaymentStatusPaid
	b.OrderStatus = model.OrderStatusConfirmed
	require.NoError(t, repo.CreateMany(ctx, db, []*model.Order{a, b}))

	n, err := repo.SyncPaymentStatus(ctx, db, txID, model.PaymentStatusPaid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	orders, err := repo.ListByTransaction(ctx, db, txID)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, model.PaymentStatusPaid, o.PaymentStatus)
		assert.Equal(t, model.OrderStatusConfirmed, o.OrderStatus)
	}
}

func TestOrderRepository_ListAndSoftDelete(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewOrderRepository(db)

	other := newOrder("ORD-OTHER")
	other.CustomerID = "cust-2"
	mine := []*model.Order{newOrder("ORD-M1"), newOrder("ORD-M2"), other}
	require.NoError(t, repo.CreateMany(ctx, db, mine))

	list, total, err := repo.List(ctx, OrderFilter{CustomerID: "cust-1", Page: 1, PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, list, 1)

	require.NoError(t, repo.SoftDelete(ctx, db, mine[0].ID))
	_, err = repo.FindByID(ctx, mine[0].ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	assert.ErrorIs(t, repo.SoftDelete(ctx, db, mine[0].ID), gorm.ErrRecordNotFound)

	_, total, err = repo.List(ctx, OrderFilter{CustomerID: "cust-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestPaymentTransactionRepository_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewPaymentTransactionRepository(db)

	ptx := &model.PaymentTransaction{
		PaymentMethod: model.PaymentMethodOnlineQR,
		PaymentStatus: model.PaymentStatusPending,
		TotalAmount:   decimal.RequireFromString("13.00"),
	}
	require.NoError(t, repo.Create(ctx, db, ptx))

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ok, err := repo.UpdateStatus(ctx, db, ptx.ID, model.PaymentStatusPending, model.PaymentStatusPaid, &first)
	require.NoError(t, err)
	assert.True(t, ok)

	// stale expectation loses
	later := first.Add(time.Hour)
	ok, err = repo.UpdateStatus(ctx, db, ptx.ID, model.PaymentStatusPending, model.PaymentStatusPaid, &later)
	require.NoError(t, err)
	assert.False(t, ok)

	// a legal move from Paid keeps the first paid date
	ok, err = repo.UpdateStatus(ctx, db, ptx.ID, model.PaymentStatusPaid, model.PaymentStatusRefunded, &later)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.FindByID(ctx, ptx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusRefunded, got.PaymentStatus)
	require.NotNil(t, got.PaidDate)
	assert.True(t, first.Equal(*got.PaidDate), "paid date %v", got.PaidDate)
}

func TestPaymentTransactionRepository_AssignProviderRefOnce(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewPaymentTransactionRepository(db)

	ptx := &model.PaymentTransaction{
		PaymentMethod: model.PaymentMethodEWallet,
		PaymentStatus: model.PaymentStatusPending,
		TotalAmount:   decimal.NewFromInt(7),
	}
	require.NoError(t, repo.Create(ctx, db, ptx))

	ok, err := repo.AssignProviderRef(ctx, db, ptx.ID, "REF-1", "https://pay/1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AssignProviderRef(ctx, db, ptx.ID, "REF-2", "https://pay/2")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.FindByRef(ctx, "REF-1")
	require.NoError(t, err)
	assert.Equal(t, ptx.ID, got.ID)
	assert.Equal(t, "https://pay/1", got.URL())

	_, err = repo.FindByRef(ctx, "REF-2")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestPaymentTransactionRepository_RefIsUnique(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewPaymentTransactionRepository(db)

	ref := "SAME"
	a := &model.PaymentTransaction{PaymentMethod: model.PaymentMethodEWallet, PaymentStatus: model.PaymentStatusPending, TransactionRef: &ref}
	b := &model.PaymentTransaction{PaymentMethod: model.PaymentMethodEWallet, PaymentStatus: model.PaymentStatusPending, TransactionRef: &ref}
	require.NoError(t, repo.Create(ctx, db, a))
	assert.ErrorIs(t, repo.Create(ctx, db, b), gorm.ErrDuplicatedKey)
}

func TestOutboxRepository_ClaimOnce(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewOutboxRepository(db)

	msg, err := model.NewOutboxMessage(model.EventTypeOrderCreated, "agg-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, repo.Insert(ctx, db, msg))

	lease := time.Now().Add(-time.Minute)
	pending, err := repo.FetchPending(ctx, 10, lease)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"k":"v"}`, pending[0].Payload)

	ok, err := repo.Claim(ctx, msg.ID, lease)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Claim(ctx, msg.ID, lease)
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err = repo.FetchPending(ctx, 10, lease)
	require.NoError(t, err)
	assert.Empty(t, pending, "a fresh claim is not handed out again")

	require.NoError(t, repo.MarkPublished(ctx, msg.ID))
	pending, err = repo.FetchPending(ctx, 10, lease)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := repo.ListByAggregate(ctx, "agg-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.MessagePublished, all[0].Status)
	assert.NotNil(t, all[0].PublishedAt)
}

func TestOutboxRepository_StaleClaimIsRetaken(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewOutboxRepository(db)

	msg, err := model.NewOutboxMessage(model.EventTypeOrderCreated, "agg-2", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NoError(t, repo.Insert(ctx, db, msg))

	ok, err := repo.Claim(ctx, msg.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	// the claiming relay never came back
	require.NoError(t, db.Model(&model.OutboxMessage{}).Where("id = ?", msg.ID).
		Update("claimed_at", time.Now().Add(-10*time.Minute)).Error)

	lease := time.Now().Add(-time.Minute)
	pending, err := repo.FetchPending(ctx, 10, lease)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.MessageProcessing, pending[0].Status)

	ok, err = repo.Claim(ctx, msg.ID, lease)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Claim(ctx, msg.ID, lease)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPaymentTransactionRepository_ClaimCallback(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewPaymentTransactionRepository(db)

	ref := "CB-1"
	ptx := &model.PaymentTransaction{PaymentMethod: model.PaymentMethodEWallet, PaymentStatus: model.PaymentStatusPending, TransactionRef: &ref}
	require.NoError(t, repo.Create(ctx, db, ptx))

	now := time.Now()
	stale := now.Add(-time.Minute)

	ok, err := repo.ClaimCallback(ctx, ptx.ID, now, stale)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.ClaimCallback(ctx, ptx.ID, now, stale)
	require.NoError(t, err)
	assert.False(t, ok, "held by the first caller")

	// a later caller retakes an abandoned claim
	ok, err = repo.ClaimCallback(ctx, ptx.ID, now.Add(2*time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.ReleaseCallback(ctx, ptx.ID))
	ok, err = repo.ClaimCallback(ctx, ptx.ID, now, stale)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPaymentCallbackRepository_Record(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewPaymentCallbackRepository(db)

	require.NoError(t, repo.Record(ctx, &model.PaymentCallback{ProviderRef: "R", Outcome: "unknown_ref"}))
	require.NoError(t, repo.Record(ctx, &model.PaymentCallback{ProviderRef: "R", Outcome: "succeeded", Verified: true}))

	n, err := repo.CountByRef(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
