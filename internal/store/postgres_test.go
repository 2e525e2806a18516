package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/farmart/internal/testutil"
)

func pgStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func seedOrder(t *testing.T, s *PostgresStore) *Order {
	t.Helper()
	ctx := context.Background()

	farmer := &User{PhoneNumber: "254711000001", Name: "Wanjiku", Role: RoleFarmer}
	require.NoError(t, s.CreateUser(ctx, farmer))
	buyer := &User{PhoneNumber: "254711000002", Name: "Otieno", Role: RoleBuyer}
	require.NoError(t, s.CreateUser(ctx, buyer))

	listing := &Livestock{FarmerID: farmer.ID, Title: "Friesian heifer", Price: 50000_00, Status: ListingAvailable}
	require.NoError(t, s.CreateListing(ctx, listing))

	o := &Order{
		OrderNumber: "ORD-20250101000000-" + time.Now().Format("150405.000000000"),
		BuyerID:     buyer.ID,
		LivestockID: listing.ID,
		Quantity:    1,
		UnitPrice:   listing.Price,
		Subtotal:    listing.Price,
		Status:      OrderPending,
		PlacedAt:    time.Now(),
	}
	require.NoError(t, s.CreateOrder(ctx, o))
	return o
}

func TestPostgresStore_OrderRoundTrip(t *testing.T) {
	s, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	o := seedOrder(t, s)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.OrderNumber, got.OrderNumber)
	assert.Equal(t, OrderPending, got.Status)
	assert.Nil(t, got.ConfirmedAt)

	now := time.Now()
	got.Status = OrderConfirmed
	got.ConfirmedAt = &now
	require.NoError(t, s.UpdateOrder(ctx, got))

	again, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderConfirmed, again.Status)
	require.NotNil(t, again.ConfirmedAt)
	assert.WithinDuration(t, now, *again.ConfirmedAt, time.Second)
}

func TestPostgresStore_NotFound(t *testing.T) {
	s, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := s.GetOrder(ctx, 999999)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = s.GetPaymentByMerchantRequestID(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	err = s.UpdateUser(ctx, &User{ID: 999999, Role: RoleBuyer})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestPostgresStore_AtomicRollsBack(t *testing.T) {
	s, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	o := seedOrder(t, s)

	err := s.Atomic(ctx, func(tx Tx) error {
		got, err := tx.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		got.Status = OrderCancelled
		if err := tx.UpdateOrder(ctx, got); err != nil {
			return err
		}
		// Escrow insert for a missing order violates the FK.
		return tx.CreateEscrow(ctx, &EscrowAccount{OrderID: 999999, Amount: 1, FarmerPayout: 1, Status: EscrowHeld, HeldAt: time.Now()})
	})
	require.Error(t, err)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderPending, got.Status)
}

func TestPostgresStore_SettleEscrowSingleWinner(t *testing.T) {
	s, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	o := seedOrder(t, s)
	require.NoError(t, s.CreateEscrow(ctx, &EscrowAccount{
		OrderID: o.ID, Amount: o.Subtotal, FarmerPayout: o.Subtotal, Status: EscrowHeld, HeldAt: time.Now(),
	}))

	now := time.Now()
	e, err := s.SettleEscrow(ctx, o.ID, EscrowRefunded, now)
	require.NoError(t, err)
	assert.Equal(t, EscrowRefunded, e.Status)
	require.NotNil(t, e.ReleasedAt)

	_, err = s.SettleEscrow(ctx, o.ID, EscrowReleased, now)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.SettleEscrow(ctx, 999999, EscrowReleased, now)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestPostgresStore_DuplicateGuards(t *testing.T) {
	s, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	o := seedOrder(t, s)

	require.NoError(t, s.CreatePayment(ctx, &Payment{OrderID: o.ID, UserID: o.BuyerID, Amount: o.Subtotal, Status: PaymentPending}))
	err := s.CreatePayment(ctx, &Payment{OrderID: o.ID, UserID: o.BuyerID, Amount: o.Subtotal, Status: PaymentPending})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.CreateDispute(ctx, &Dispute{OrderID: o.ID, RaisedByID: o.BuyerID, Type: "quality", Description: "sick animal", Status: DisputeOpen, OpenedAt: time.Now()}))
	err = s.CreateDispute(ctx, &Dispute{OrderID: o.ID, RaisedByID: o.BuyerID, Type: "quality", Description: "again", Status: DisputeOpen, OpenedAt: time.Now()})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestPostgresStore_ListHeldEscrowsBefore(t *testing.T) {
	s, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	oldOrder := seedOrder(t, s)
	newOrder := seedOrder(t, s)
	now := time.Now()

	require.NoError(t, s.CreateEscrow(ctx, &EscrowAccount{OrderID: oldOrder.ID, Amount: 1, FarmerPayout: 1, Status: EscrowHeld, HeldAt: now.Add(-96 * time.Hour)}))
	require.NoError(t, s.CreateEscrow(ctx, &EscrowAccount{OrderID: newOrder.ID, Amount: 1, FarmerPayout: 1, Status: EscrowHeld, HeldAt: now}))

	due, err := s.ListHeldEscrowsBefore(ctx, now.Add(-72*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, oldOrder.ID, due[0].OrderID)
}

func TestPostgresStore_Cart(t *testing.T) {
	s, cleanup := pgStore(t)
	defer cleanup()
	ctx := context.Background()

	o := seedOrder(t, s)

	item := &CartItem{UserID: o.BuyerID, LivestockID: o.LivestockID, Quantity: 1}
	require.NoError(t, s.UpsertCartItem(ctx, item))
	item.Quantity = 4
	require.NoError(t, s.UpsertCartItem(ctx, item))

	items, err := s.GetCart(ctx, o.BuyerID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 4, items[0].Quantity)

	require.NoError(t, s.ClearCart(ctx, o.BuyerID))
	items, err = s.GetCart(ctx, o.BuyerID)
	require.NoError(t, err)
	assert.Empty(t, items)
}
