// Package cart persists a buyer's saved listings between sessions.
// Placing an order clears the cart; the cart itself never reserves
// stock.
package cart

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/farmart/internal/store"
)

// ErrListingUnavailable is returned when adding a listing that is no
// longer on the market.
var ErrListingUnavailable = errors.New("listing is no longer available")

// AddRequest contains the parameters for adding a cart item.
type AddRequest struct {
	LivestockID int64 `json:"livestockId" binding:"required"`
	Quantity    int   `json:"quantity"`
}

// Item is a cart entry joined with its listing.
type Item struct {
	Listing  *store.Livestock `json:"listing"`
	Quantity int              `json:"quantity"`
	AddedAt  time.Time        `json:"addedAt"`
}

// Service implements cart business logic.
type Service struct {
	store store.Store
}

// NewService creates a new cart service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Add puts a listing in the user's cart, or updates its quantity if it
// is already there. Only available listings can be added.
func (s *Service) Add(ctx context.Context, userID int64, req AddRequest) (*store.CartItem, error) {
	qty := req.Quantity
	if qty <= 0 {
		qty = 1
	}

	item := &store.CartItem{
		UserID:      userID,
		LivestockID: req.LivestockID,
		Quantity:    qty,
		AddedAt:     time.Now(),
	}
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		l, err := tx.GetListing(ctx, req.LivestockID)
		if err != nil {
			return err
		}
		if l.Status != store.ListingAvailable {
			return ErrListingUnavailable
		}
		return tx.UpsertCartItem(ctx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Get returns the user's cart with each entry's listing attached.
// Entries whose listing has left the market are dropped from the view
// but kept in storage, so a listing coming back shows up again.
func (s *Service) Get(ctx context.Context, userID int64) ([]*Item, error) {
	var items []*Item
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		raw, err := tx.GetCart(ctx, userID)
		if err != nil {
			return err
		}
		items = make([]*Item, 0, len(raw))
		for _, ci := range raw {
			l, err := tx.GetListing(ctx, ci.LivestockID)
			if errors.Is(err, store.ErrListingNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if l.Status != store.ListingAvailable {
				continue
			}
			items = append(items, &Item{Listing: l, Quantity: ci.Quantity, AddedAt: ci.AddedAt})
		}
		return nil
	})
	return items, err
}

// Remove deletes one listing from the user's cart.
func (s *Service) Remove(ctx context.Context, userID, livestockID int64) error {
	return s.store.DeleteCartItem(ctx, userID, livestockID)
}

// Clear empties the user's cart.
func (s *Service) Clear(ctx context.Context, userID int64) error {
	return s.store.ClearCart(ctx, userID)
}
