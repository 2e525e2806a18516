// Package store persists the marketplace entities and provides the
// atomic transaction boundary every multi-entity mutation runs inside.
package store

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrListingNotFound = errors.New("listing not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrInvalidState    = errors.New("invalid state for this operation")
	ErrDuplicate       = errors.New("record already exists")
)

// Role identifies what a user is allowed to do.
type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
	RoleAdmin  Role = "admin"
)

// ListingStatus is the availability state of a livestock listing.
type ListingStatus string

const (
	ListingAvailable       ListingStatus = "available"
	ListingReserved        ListingStatus = "reserved"
	ListingSold            ListingStatus = "sold"
	ListingPendingApproval ListingStatus = "pending_approval"
)

// OrderStatus is a node in the order state machine.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
	OrderDisputed   OrderStatus = "dispute"
)

// Terminal reports whether s is a final order status.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}

// PaymentStatus is the state of a mobile-money charge attempt.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// EscrowStatus is the custody state of held funds.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// DisputeStatus is the moderation state of a contested order.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeClosed      DisputeStatus = "closed"
)

// User is a marketplace account. Farmer aggregates (rating, total sales)
// live here and are bumped when escrow is released.
type User struct {
	ID          int64     `json:"id"`
	PhoneNumber string    `json:"phoneNumber"`
	Name        string    `json:"name"`
	Role        Role      `json:"role"`
	Rating      float64   `json:"rating"`
	TotalSales  int       `json:"totalSales"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Livestock is a sellable listing. All money fields across the store are
// in cents (KES * 100).
type Livestock struct {
	ID        int64         `json:"id"`
	FarmerID  int64         `json:"farmerId"`
	Title     string        `json:"title"`
	Price     int64         `json:"price"`
	Status    ListingStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Order is a single purchase intent for one listing.
type Order struct {
	ID                 int64       `json:"id"`
	OrderNumber        string      `json:"orderNumber"`
	BuyerID            int64       `json:"buyerId"`
	LivestockID        int64       `json:"livestockId"`
	Quantity           int         `json:"quantity"`
	UnitPrice          int64       `json:"unitPrice"`
	Subtotal           int64       `json:"subtotal"`
	CommissionRate     float64     `json:"commissionRate"`
	CommissionAmount   int64       `json:"commissionAmount"`
	TotalAmount        int64       `json:"totalAmount"`
	Status             OrderStatus `json:"status"`
	ShippingAddress    string      `json:"shippingAddress"`
	PlacedAt           time.Time   `json:"placedAt"`
	ConfirmedAt        *time.Time  `json:"confirmedAt,omitempty"`
	ShippedAt          *time.Time  `json:"shippedAt,omitempty"`
	DeliveredAt        *time.Time  `json:"deliveredAt,omitempty"`
	CancelledAt        *time.Time  `json:"cancelledAt,omitempty"`
	CancellationReason string      `json:"cancellationReason,omitempty"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Payment is one mobile-money attempt, 1:1 with an order.
type Payment struct {
	ID                int64         `json:"id"`
	OrderID           int64         `json:"orderId"`
	UserID            int64         `json:"userId"`
	Amount            int64         `json:"amount"`
	MerchantRequestID string        `json:"merchantRequestId,omitempty"`
	CheckoutRequestID string        `json:"checkoutRequestId,omitempty"`
	ReceiptNumber     string        `json:"receiptNumber,omitempty"`
	Status            PaymentStatus `json:"status"`
	PaidAt            *time.Time    `json:"paidAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// EscrowAccount is the custodial record for an order's funds.
type EscrowAccount struct {
	ID           int64        `json:"id"`
	OrderID      int64        `json:"orderId"`
	Amount       int64        `json:"amount"`
	FarmerPayout int64        `json:"farmerPayout"`
	Status       EscrowStatus `json:"status"`
	HeldAt       time.Time    `json:"heldAt"`
	ReleasedAt   *time.Time   `json:"releasedAt,omitempty"`
}

// Dispute is a contested order under moderation.
type Dispute struct {
	ID             int64         `json:"id"`
	OrderID        int64         `json:"orderId"`
	RaisedByID     int64         `json:"raisedById"`
	Type           string        `json:"type"`
	Description    string        `json:"description"`
	Status         DisputeStatus `json:"status"`
	Resolution     string        `json:"resolution,omitempty"`
	AmountRefunded *int64        `json:"amountRefunded,omitempty"`
	OpenedAt       time.Time     `json:"openedAt"`
	ResolvedAt     *time.Time    `json:"resolvedAt,omitempty"`
}

// CartItem is one listing in a user's persisted cart.
type CartItem struct {
	UserID      int64     `json:"userId"`
	LivestockID int64     `json:"livestockId"`
	Quantity    int       `json:"quantity"`
	AddedAt     time.Time `json:"addedAt"`
}
