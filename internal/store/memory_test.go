package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrder(buyerID, livestockID int64) *Order {
	return &Order{
		OrderNumber: "ORD-20250101000000-1",
		BuyerID:     buyerID,
		LivestockID: livestockID,
		Quantity:    1,
		UnitPrice:   50000_00,
		Subtotal:    50000_00,
		Status:      OrderPending,
		PlacedAt:    time.Now(),
	}
}

func TestMemoryStore_CRUDRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	farmer := &User{PhoneNumber: "254700000001", Name: "Wanjiku", Role: RoleFarmer}
	require.NoError(t, s.CreateUser(ctx, farmer))
	assert.NotZero(t, farmer.ID)

	listing := &Livestock{FarmerID: farmer.ID, Title: "Friesian heifer", Price: 50000_00, Status: ListingAvailable}
	require.NoError(t, s.CreateListing(ctx, listing))

	got, err := s.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Friesian heifer", got.Title)
	assert.Equal(t, ListingAvailable, got.Status)

	got.Status = ListingReserved
	require.NoError(t, s.UpdateListing(ctx, got))

	again, err := s.GetListing(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, ListingReserved, again.Status)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.GetUser(ctx, 42)
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = s.GetOrder(ctx, 42)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = s.GetEscrowByOrder(ctx, 42)
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	err = s.UpdateOrder(ctx, &Order{ID: 42})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMemoryStore_AtomicRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(tx Tx) error {
		if err := tx.CreateUser(ctx, &User{PhoneNumber: "254700000002", Name: "Otieno", Role: RoleBuyer}); err != nil {
			return err
		}
		if err := tx.CreateListing(ctx, &Livestock{FarmerID: 1, Title: "Boran bull", Price: 80000_00}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing from the failed block is visible.
	_, err = s.GetUser(ctx, 1)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = s.GetListing(ctx, 2)
	assert.ErrorIs(t, err, ErrListingNotFound)
}

func TestMemoryStore_AtomicCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var orderID int64
	err := s.Atomic(ctx, func(tx Tx) error {
		o := newTestOrder(1, 2)
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}
		orderID = o.ID
		return tx.CreateEscrow(ctx, &EscrowAccount{
			OrderID: o.ID, Amount: o.Subtotal, FarmerPayout: o.Subtotal, Status: EscrowHeld, HeldAt: time.Now(),
		})
	})
	require.NoError(t, err)

	e, err := s.GetEscrowByOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, EscrowHeld, e.Status)
}

func TestMemoryStore_DuplicateGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	o := newTestOrder(1, 2)
	require.NoError(t, s.CreateOrder(ctx, o))

	require.NoError(t, s.CreatePayment(ctx, &Payment{OrderID: o.ID, UserID: 1, Amount: o.Subtotal, Status: PaymentPending}))
	err := s.CreatePayment(ctx, &Payment{OrderID: o.ID, UserID: 1, Amount: o.Subtotal, Status: PaymentPending})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.CreateEscrow(ctx, &EscrowAccount{OrderID: o.ID, Amount: 1, FarmerPayout: 1, Status: EscrowHeld, HeldAt: time.Now()}))
	err = s.CreateEscrow(ctx, &EscrowAccount{OrderID: o.ID, Amount: 1, FarmerPayout: 1, Status: EscrowHeld, HeldAt: time.Now()})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.CreateDispute(ctx, &Dispute{OrderID: o.ID, RaisedByID: 1, Type: "quality", Description: "sick animal", Status: DisputeOpen, OpenedAt: time.Now()}))
	err = s.CreateDispute(ctx, &Dispute{OrderID: o.ID, RaisedByID: 1, Type: "quality", Description: "again", Status: DisputeOpen, OpenedAt: time.Now()})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryStore_SettleEscrowSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateEscrow(ctx, &EscrowAccount{
		OrderID: 7, Amount: 100_00, FarmerPayout: 98_00, Status: EscrowHeld, HeldAt: time.Now(),
	}))

	now := time.Now()
	e, err := s.SettleEscrow(ctx, 7, EscrowReleased, now)
	require.NoError(t, err)
	assert.Equal(t, EscrowReleased, e.Status)
	require.NotNil(t, e.ReleasedAt)

	// A second settlement, no matter the direction, loses.
	_, err = s.SettleEscrow(ctx, 7, EscrowRefunded, now)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.SettleEscrow(ctx, 7, EscrowReleased, now)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.SettleEscrow(ctx, 999, EscrowReleased, now)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestMemoryStore_ListHeldEscrowsBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.CreateEscrow(ctx, &EscrowAccount{OrderID: 1, Amount: 1, FarmerPayout: 1, Status: EscrowHeld, HeldAt: now.Add(-96 * time.Hour)}))
	require.NoError(t, s.CreateEscrow(ctx, &EscrowAccount{OrderID: 2, Amount: 1, FarmerPayout: 1, Status: EscrowHeld, HeldAt: now.Add(-1 * time.Hour)}))
	require.NoError(t, s.CreateEscrow(ctx, &EscrowAccount{OrderID: 3, Amount: 1, FarmerPayout: 1, Status: EscrowReleased, HeldAt: now.Add(-96 * time.Hour)}))

	due, err := s.ListHeldEscrowsBefore(ctx, now.Add(-72*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].OrderID)
}

func TestMemoryStore_ListOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	farmer := &User{PhoneNumber: "254700000003", Name: "Kamau", Role: RoleFarmer}
	require.NoError(t, s.CreateUser(ctx, farmer))
	listing := &Livestock{FarmerID: farmer.ID, Title: "Dorper ram", Price: 15000_00, Status: ListingAvailable}
	require.NoError(t, s.CreateListing(ctx, listing))

	for i := 0; i < 3; i++ {
		o := newTestOrder(9, listing.ID)
		o.PlacedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateOrder(ctx, o))
	}

	byBuyer, err := s.ListOrdersByBuyer(ctx, 9, 2)
	require.NoError(t, err)
	require.Len(t, byBuyer, 2)
	// Newest first.
	assert.True(t, byBuyer[0].PlacedAt.After(byBuyer[1].PlacedAt))

	byFarmer, err := s.ListOrdersByFarmer(ctx, farmer.ID, 10)
	require.NoError(t, err)
	assert.Len(t, byFarmer, 3)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u := &User{PhoneNumber: "254700000004", Name: "Njeri", Role: RoleBuyer}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	got.Name = "mutated"

	fresh, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Njeri", fresh.Name)
}

func TestMemoryStore_UsersByPhone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u := &User{PhoneNumber: "254700000008", Name: "Achieng", Role: RoleBuyer}
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUserByPhone(ctx, "254700000008")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.GetUserByPhone(ctx, "254700000000")
	assert.ErrorIs(t, err, ErrUserNotFound)

	// Same phone twice is rejected.
	err = s.CreateUser(ctx, &User{PhoneNumber: "254700000008", Name: "Imposter", Role: RoleBuyer})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryStore_Cart(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.UpsertCartItem(ctx, &CartItem{UserID: 1, LivestockID: 10, Quantity: 1, AddedAt: time.Now()}))
	require.NoError(t, s.UpsertCartItem(ctx, &CartItem{UserID: 1, LivestockID: 11, Quantity: 2, AddedAt: time.Now().Add(time.Second)}))
	require.NoError(t, s.UpsertCartItem(ctx, &CartItem{UserID: 1, LivestockID: 10, Quantity: 3, AddedAt: time.Now()}))

	items, err := s.GetCart(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 3, items[0].Quantity)

	require.NoError(t, s.DeleteCartItem(ctx, 1, 10))
	items, err = s.GetCart(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, s.ClearCart(ctx, 1))
	items, err = s.GetCart(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, items)
}
