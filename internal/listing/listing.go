// Package listing manages livestock listings and their reservation
// lifecycle. A listing is reserved when an order is placed, released if
// the order falls through, and sold once the order is delivered.
package listing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/farmart/internal/pagination"
	"github.com/mbd888/farmart/internal/store"
)

var (
	ErrAlreadyReserved = errors.New("listing is not available")
	ErrSelfPurchase    = errors.New("farmer cannot buy their own listing")
	ErrNotFarmer       = errors.New("only farmers can create listings")
	ErrBadCursor       = errors.New("invalid cursor")
)

// CreateRequest contains the parameters for creating a listing.
type CreateRequest struct {
	Title string `json:"title" binding:"required"`
	Price int64  `json:"price" binding:"required,gt=0"`
}

// Service implements listing business logic.
type Service struct {
	store store.Store
}

// NewService creates a new listing service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Create creates a new available listing owned by the farmer.
func (s *Service) Create(ctx context.Context, farmerID int64, req CreateRequest) (*store.Livestock, error) {
	farmer, err := s.store.GetUser(ctx, farmerID)
	if err != nil {
		return nil, err
	}
	if farmer.Role != store.RoleFarmer {
		return nil, ErrNotFarmer
	}

	l := &store.Livestock{
		FarmerID: farmerID,
		Title:    req.Title,
		Price:    req.Price,
		Status:   store.ListingAvailable,
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	return l, nil
}

// Get returns a listing by ID.
func (s *Service) Get(ctx context.Context, id int64) (*store.Livestock, error) {
	return s.store.GetListing(ctx, id)
}

// List returns listings newest first, optionally filtered by status.
// The returned cursor resumes the next page; it is empty on the last one.
func (s *Service) List(ctx context.Context, status store.ListingStatus, cursor string, limit int) ([]*store.Livestock, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var before time.Time
	var beforeID int64
	if cur, err := pagination.Decode(cursor); err != nil {
		return nil, "", ErrBadCursor
	} else if cur != nil {
		id, err := strconv.ParseInt(cur.ID, 10, 64)
		if err != nil {
			return nil, "", ErrBadCursor
		}
		before, beforeID = cur.CreatedAt, id
	}

	// Fetch one extra row to learn whether another page exists.
	ls, err := s.store.ListListings(ctx, status, before, beforeID, limit+1)
	if err != nil {
		return nil, "", err
	}
	ls, next, _ := pagination.ComputePage(ls, limit, func(l *store.Livestock) (time.Time, string) {
		return l.CreatedAt, strconv.FormatInt(l.ID, 10)
	})
	return ls, next, nil
}

// ReserveTx reserves an available listing for a buyer inside the
// caller's transaction. Fails with ErrAlreadyReserved unless the
// listing is currently available, and with ErrSelfPurchase if the buyer
// owns the listing.
func ReserveTx(ctx context.Context, tx store.Tx, listingID, buyerID int64) (*store.Livestock, error) {
	l, err := tx.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.FarmerID == buyerID {
		return nil, ErrSelfPurchase
	}
	if l.Status != store.ListingAvailable {
		return nil, ErrAlreadyReserved
	}

	l.Status = store.ListingReserved
	if err := tx.UpdateListing(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// ReleaseTx puts a reserved listing back on the market. Releasing a
// listing that is not reserved is a no-op, so cancellation paths can
// call it unconditionally.
func ReleaseTx(ctx context.Context, tx store.Tx, listingID int64) error {
	l, err := tx.GetListing(ctx, listingID)
	if err != nil {
		return err
	}
	if l.Status != store.ListingReserved {
		return nil
	}
	l.Status = store.ListingAvailable
	return tx.UpdateListing(ctx, l)
}

// MarkSoldTx marks a reserved listing as sold.
func MarkSoldTx(ctx context.Context, tx store.Tx, listingID int64) error {
	l, err := tx.GetListing(ctx, listingID)
	if err != nil {
		return err
	}
	if l.Status == store.ListingSold {
		return nil
	}
	if l.Status != store.ListingReserved {
		return store.ErrInvalidState
	}
	l.Status = store.ListingSold
	return tx.UpdateListing(ctx, l)
}

// Reserve reserves a listing in its own transaction.
func (s *Service) Reserve(ctx context.Context, listingID, buyerID int64) (*store.Livestock, error) {
	var l *store.Livestock
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		l, err = ReserveTx(ctx, tx, listingID, buyerID)
		return err
	})
	return l, err
}

// Release releases a reservation in its own transaction.
func (s *Service) Release(ctx context.Context, listingID int64) error {
	return s.store.Atomic(ctx, func(tx store.Tx) error {
		return ReleaseTx(ctx, tx, listingID)
	})
}
