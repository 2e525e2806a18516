package store

import (
	"context"
	"time"
)

// Tx is the set of entity operations available inside a transaction.
// Implementations must make every call within one Atomic block commit or
// roll back together.
type Tx interface {
	// Users
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByPhone(ctx context.Context, phone string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error

	// Livestock listings
	GetListing(ctx context.Context, id int64) (*Livestock, error)
	CreateListing(ctx context.Context, l *Livestock) error
	UpdateListing(ctx context.Context, l *Livestock) error
	// ListListings returns listings newest first. A non-zero before
	// timestamp (with beforeID as tiebreak) resumes after that row.
	ListListings(ctx context.Context, status ListingStatus, before time.Time, beforeID int64, limit int) ([]*Livestock, error)

	// Orders
	GetOrder(ctx context.Context, id int64) (*Order, error)
	CreateOrder(ctx context.Context, o *Order) error
	UpdateOrder(ctx context.Context, o *Order) error
	ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) ([]*Order, error)
	ListOrdersByFarmer(ctx context.Context, farmerID int64, limit int) ([]*Order, error)

	// Payments
	GetPaymentByOrder(ctx context.Context, orderID int64) (*Payment, error)
	GetPaymentByMerchantRequestID(ctx context.Context, merchantRequestID string) (*Payment, error)
	CreatePayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error

	// Escrow accounts
	GetEscrowByOrder(ctx context.Context, orderID int64) (*EscrowAccount, error)
	CreateEscrow(ctx context.Context, e *EscrowAccount) error
	// SettleEscrow moves a held escrow to released or refunded. It fails
	// with ErrInvalidState unless the current status is held, so exactly
	// one concurrent settlement wins.
	SettleEscrow(ctx context.Context, orderID int64, to EscrowStatus, at time.Time) (*EscrowAccount, error)
	ListHeldEscrowsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*EscrowAccount, error)

	// Disputes
	GetDispute(ctx context.Context, id int64) (*Dispute, error)
	GetDisputeByOrder(ctx context.Context, orderID int64) (*Dispute, error)
	CreateDispute(ctx context.Context, d *Dispute) error
	UpdateDispute(ctx context.Context, d *Dispute) error
	ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error)

	// Cart
	GetCart(ctx context.Context, userID int64) ([]*CartItem, error)
	UpsertCartItem(ctx context.Context, item *CartItem) error
	DeleteCartItem(ctx context.Context, userID, livestockID int64) error
	ClearCart(ctx context.Context, userID int64) error
}

// Store is the persistence abstraction for the order/escrow core.
// Single operations may be called directly; anything touching more than
// one entity goes through Atomic.
type Store interface {
	Tx

	// Atomic runs fn inside a single transaction. If fn returns an
	// error nothing it did is visible afterwards.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}
