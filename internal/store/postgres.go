package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the marketplace entities in PostgreSQL.
// Atomic runs the block in a serializable transaction so multi-entity
// mutations commit or roll back as one unit.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Atomic implements Store.
func (p *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// pgTx implements Tx over either a live transaction or the bare pool.
type pgTx struct {
	q queryer
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// --- Users ---

const userColumns = `id, phone_number, name, role, rating, total_sales, created_at`

func scanUser(s scanner) (*User, error) {
	u := &User{}
	var role string
	if err := s.Scan(&u.ID, &u.PhoneNumber, &u.Name, &role, &u.Rating, &u.TotalSales, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	return u, nil
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (t *pgTx) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	u, err := scanUser(t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone_number = $1`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (t *pgTx) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return t.q.QueryRowContext(ctx, `
		INSERT INTO users (phone_number, name, role, rating, total_sales, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		u.PhoneNumber, u.Name, string(u.Role), u.Rating, u.TotalSales, u.CreatedAt,
	).Scan(&u.ID)
}

func (t *pgTx) UpdateUser(ctx context.Context, u *User) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE users SET phone_number = $1, name = $2, role = $3, rating = $4, total_sales = $5
		WHERE id = $6`,
		u.PhoneNumber, u.Name, string(u.Role), u.Rating, u.TotalSales, u.ID)
	return checkAffected(result, err, ErrUserNotFound)
}

// --- Livestock ---

const listingColumns = `id, farmer_id, title, price, status, created_at, updated_at`

func scanListing(s scanner) (*Livestock, error) {
	l := &Livestock{}
	var status string
	if err := s.Scan(&l.ID, &l.FarmerID, &l.Title, &l.Price, &status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Status = ListingStatus(status)
	return l, nil
}

func (t *pgTx) GetListing(ctx context.Context, id int64) (*Livestock, error) {
	l, err := scanListing(t.q.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM livestock WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (t *pgTx) CreateListing(ctx context.Context, l *Livestock) error {
	now := time.Now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	return t.q.QueryRowContext(ctx, `
		INSERT INTO livestock (farmer_id, title, price, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		l.FarmerID, l.Title, l.Price, string(l.Status), l.CreatedAt, l.UpdatedAt,
	).Scan(&l.ID)
}

func (t *pgTx) UpdateListing(ctx context.Context, l *Livestock) error {
	l.UpdatedAt = time.Now()
	result, err := t.q.ExecContext(ctx, `
		UPDATE livestock SET title = $1, price = $2, status = $3, updated_at = $4
		WHERE id = $5`,
		l.Title, l.Price, string(l.Status), l.UpdatedAt, l.ID)
	return checkAffected(result, err, ErrListingNotFound)
}

func (t *pgTx) ListListings(ctx context.Context, status ListingStatus, before time.Time, beforeID int64, limit int) ([]*Livestock, error) {
	query := `SELECT ` + listingColumns + ` FROM livestock`
	var where []string
	args := []interface{}{}
	if status != "" {
		args = append(args, string(status))
		where = append(where, `status = $`+strconv.Itoa(len(args)))
	}
	if !before.IsZero() {
		args = append(args, before, beforeID)
		where = append(where, `(created_at, id) < ($`+strconv.Itoa(len(args)-1)+`, $`+strconv.Itoa(len(args))+`)`)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Livestock
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// --- Orders ---

const orderColumns = `id, order_number, buyer_id, livestock_id, quantity, unit_price,
	subtotal, commission_rate, commission_amount, total_amount, status,
	shipping_address, placed_at, confirmed_at, shipped_at, delivered_at,
	cancelled_at, cancellation_reason, updated_at`

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status      string
		confirmedAt sql.NullTime
		shippedAt   sql.NullTime
		deliveredAt sql.NullTime
		cancelledAt sql.NullTime
		reason      sql.NullString
	)
	err := s.Scan(
		&o.ID, &o.OrderNumber, &o.BuyerID, &o.LivestockID, &o.Quantity, &o.UnitPrice,
		&o.Subtotal, &o.CommissionRate, &o.CommissionAmount, &o.TotalAmount, &status,
		&o.ShippingAddress, &o.PlacedAt, &confirmedAt, &shippedAt, &deliveredAt,
		&cancelledAt, &reason, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	o.CancellationReason = reason.String
	if confirmedAt.Valid {
		o.ConfirmedAt = &confirmedAt.Time
	}
	if shippedAt.Valid {
		o.ShippedAt = &shippedAt.Time
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	return o, nil
}

func (t *pgTx) GetOrder(ctx context.Context, id int64) (*Order, error) {
	o, err := scanOrder(t.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (t *pgTx) CreateOrder(ctx context.Context, o *Order) error {
	now := time.Now()
	if o.PlacedAt.IsZero() {
		o.PlacedAt = now
	}
	o.UpdatedAt = now
	return t.q.QueryRowContext(ctx, `
		INSERT INTO orders (
			order_number, buyer_id, livestock_id, quantity, unit_price,
			subtotal, commission_rate, commission_amount, total_amount, status,
			shipping_address, placed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		o.OrderNumber, o.BuyerID, o.LivestockID, o.Quantity, o.UnitPrice,
		o.Subtotal, o.CommissionRate, o.CommissionAmount, o.TotalAmount, string(o.Status),
		o.ShippingAddress, o.PlacedAt, o.UpdatedAt,
	).Scan(&o.ID)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *Order) error {
	o.UpdatedAt = time.Now()
	result, err := t.q.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, confirmed_at = $2, shipped_at = $3, delivered_at = $4,
			cancelled_at = $5, cancellation_reason = $6, updated_at = $7
		WHERE id = $8`,
		string(o.Status), nullTime(o.ConfirmedAt), nullTime(o.ShippedAt), nullTime(o.DeliveredAt),
		nullTime(o.CancelledAt), nullString(o.CancellationReason), o.UpdatedAt, o.ID)
	return checkAffected(result, err, ErrOrderNotFound)
}

func (t *pgTx) ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) ([]*Order, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = $1
		ORDER BY placed_at DESC
		LIMIT $2`, buyerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (t *pgTx) ListOrdersByFarmer(ctx context.Context, farmerID int64, limit int) ([]*Order, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT o.id, o.order_number, o.buyer_id, o.livestock_id, o.quantity, o.unit_price,
			o.subtotal, o.commission_rate, o.commission_amount, o.total_amount, o.status,
			o.shipping_address, o.placed_at, o.confirmed_at, o.shipped_at, o.delivered_at,
			o.cancelled_at, o.cancellation_reason, o.updated_at
		FROM orders o
		JOIN livestock l ON l.id = o.livestock_id
		WHERE l.farmer_id = $1
		ORDER BY o.placed_at DESC
		LIMIT $2`, farmerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// --- Payments ---

const paymentColumns = `id, order_id, user_id, amount, merchant_request_id,
	checkout_request_id, receipt_number, status, paid_at, created_at, updated_at`

func scanPayment(s scanner) (*Payment, error) {
	p := &Payment{}
	var (
		status     string
		merchantID sql.NullString
		checkoutID sql.NullString
		receipt    sql.NullString
		paidAt     sql.NullTime
	)
	err := s.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &merchantID,
		&checkoutID, &receipt, &status, &paidAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	p.MerchantRequestID = merchantID.String
	p.CheckoutRequestID = checkoutID.String
	p.ReceiptNumber = receipt.String
	if paidAt.Valid {
		p.PaidAt = &paidAt.Time
	}
	return p, nil
}

func (t *pgTx) GetPaymentByOrder(ctx context.Context, orderID int64) (*Payment, error) {
	p, err := scanPayment(t.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func (t *pgTx) GetPaymentByMerchantRequestID(ctx context.Context, merchantRequestID string) (*Payment, error) {
	p, err := scanPayment(t.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE merchant_request_id = $1`, merchantRequestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func (t *pgTx) CreatePayment(ctx context.Context, p *Payment) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO payments (order_id, user_id, amount, merchant_request_id,
			checkout_request_id, receipt_number, status, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		p.OrderID, p.UserID, p.Amount, nullString(p.MerchantRequestID),
		nullString(p.CheckoutRequestID), nullString(p.ReceiptNumber),
		string(p.Status), nullTime(p.PaidAt), p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *Payment) error {
	p.UpdatedAt = time.Now()
	result, err := t.q.ExecContext(ctx, `
		UPDATE payments SET merchant_request_id = $1, checkout_request_id = $2,
			receipt_number = $3, status = $4, paid_at = $5, updated_at = $6
		WHERE id = $7`,
		nullString(p.MerchantRequestID), nullString(p.CheckoutRequestID),
		nullString(p.ReceiptNumber), string(p.Status), nullTime(p.PaidAt), p.UpdatedAt, p.ID)
	return checkAffected(result, err, ErrPaymentNotFound)
}

// --- Escrow accounts ---

const escrowColumns = `id, order_id, amount, farmer_payout, status, held_at, released_at`

func scanEscrow(s scanner) (*EscrowAccount, error) {
	e := &EscrowAccount{}
	var (
		status     string
		releasedAt sql.NullTime
	)
	if err := s.Scan(&e.ID, &e.OrderID, &e.Amount, &e.FarmerPayout, &status, &e.HeldAt, &releasedAt); err != nil {
		return nil, err
	}
	e.Status = EscrowStatus(status)
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	return e, nil
}

func (t *pgTx) GetEscrowByOrder(ctx context.Context, orderID int64) (*EscrowAccount, error) {
	e, err := scanEscrow(t.q.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_accounts WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (t *pgTx) CreateEscrow(ctx context.Context, e *EscrowAccount) error {
	if e.HeldAt.IsZero() {
		e.HeldAt = time.Now()
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO escrow_accounts (order_id, amount, farmer_payout, status, held_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		e.OrderID, e.Amount, e.FarmerPayout, string(e.Status), e.HeldAt,
	).Scan(&e.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// SettleEscrow flips a held escrow to released or refunded. The status
// precondition in the WHERE clause guarantees exactly one winner when
// delivery confirmation, the sweep, or moderation race each other.
func (t *pgTx) SettleEscrow(ctx context.Context, orderID int64, to EscrowStatus, at time.Time) (*EscrowAccount, error) {
	e, err := scanEscrow(t.q.QueryRowContext(ctx, `
		UPDATE escrow_accounts SET status = $2, released_at = $3
		WHERE order_id = $1 AND status = 'held'
		RETURNING `+escrowColumns, orderID, string(to), at))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := t.GetEscrowByOrder(ctx, orderID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidState
	}
	return e, err
}

func (t *pgTx) ListHeldEscrowsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*EscrowAccount, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_accounts
		WHERE status = 'held' AND held_at <= $1
		ORDER BY held_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*EscrowAccount
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- Disputes ---

const disputeColumns = `id, order_id, raised_by_id, type, description, status,
	resolution, amount_refunded, opened_at, resolved_at`

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolution sql.NullString
		refunded   sql.NullInt64
		resolvedAt sql.NullTime
	)
	err := s.Scan(&d.ID, &d.OrderID, &d.RaisedByID, &d.Type, &d.Description, &status,
		&resolution, &refunded, &d.OpenedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DisputeStatus(status)
	d.Resolution = resolution.String
	if refunded.Valid {
		d.AmountRefunded = &refunded.Int64
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func (t *pgTx) GetDispute(ctx context.Context, id int64) (*Dispute, error) {
	d, err := scanDispute(t.q.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (t *pgTx) GetDisputeByOrder(ctx context.Context, orderID int64) (*Dispute, error) {
	d, err := scanDispute(t.q.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (t *pgTx) CreateDispute(ctx context.Context, d *Dispute) error {
	if d.OpenedAt.IsZero() {
		d.OpenedAt = time.Now()
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO disputes (order_id, raised_by_id, type, description, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		d.OrderID, d.RaisedByID, d.Type, d.Description, string(d.Status), d.OpenedAt,
	).Scan(&d.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolution = $2, amount_refunded = $3, resolved_at = $4
		WHERE id = $5`,
		string(d.Status), nullString(d.Resolution), nullInt64(d.AmountRefunded),
		nullTime(d.ResolvedAt), d.ID)
	return checkAffected(result, err, ErrDisputeNotFound)
}

func (t *pgTx) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	args := []interface{}{limit}
	if status != "" {
		query += ` WHERE status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY opened_at DESC LIMIT $1`

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// --- Cart ---

func (t *pgTx) GetCart(ctx context.Context, userID int64) ([]*CartItem, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT user_id, livestock_id, quantity, added_at
		FROM cart_items WHERE user_id = $1
		ORDER BY added_at`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*CartItem
	for rows.Next() {
		it := &CartItem{}
		if err := rows.Scan(&it.UserID, &it.LivestockID, &it.Quantity, &it.AddedAt); err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	return result, rows.Err()
}

func (t *pgTx) UpsertCartItem(ctx context.Context, item *CartItem) error {
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO cart_items (user_id, livestock_id, quantity, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, livestock_id) DO UPDATE SET quantity = $3`,
		item.UserID, item.LivestockID, item.Quantity, item.AddedAt)
	return err
}

func (t *pgTx) DeleteCartItem(ctx context.Context, userID, livestockID int64) error {
	_, err := t.q.ExecContext(ctx,
		`DELETE FROM cart_items WHERE user_id = $1 AND livestock_id = $2`, userID, livestockID)
	return err
}

func (t *pgTx) ClearCart(ctx context.Context, userID int64) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	return err
}

// --- Direct (non-Atomic) operations run against the pool ---

func (p *PostgresStore) tx() *pgTx { return &pgTx{q: p.db} }

func (p *PostgresStore) GetUser(ctx context.Context, id int64) (*User, error) {
	return p.tx().GetUser(ctx, id)
}
func (p *PostgresStore) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	return p.tx().GetUserByPhone(ctx, phone)
}
func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	return p.tx().CreateUser(ctx, u)
}
func (p *PostgresStore) UpdateUser(ctx context.Context, u *User) error {
	return p.tx().UpdateUser(ctx, u)
}
func (p *PostgresStore) GetListing(ctx context.Context, id int64) (*Livestock, error) {
	return p.tx().GetListing(ctx, id)
}
func (p *PostgresStore) CreateListing(ctx context.Context, l *Livestock) error {
	return p.tx().CreateListing(ctx, l)
}
func (p *PostgresStore) UpdateListing(ctx context.Context, l *Livestock) error {
	return p.tx().UpdateListing(ctx, l)
}
func (p *PostgresStore) ListListings(ctx context.Context, status ListingStatus, before time.Time, beforeID int64, limit int) ([]*Livestock, error) {
	return p.tx().ListListings(ctx, status, before, beforeID, limit)
}
func (p *PostgresStore) GetOrder(ctx context.Context, id int64) (*Order, error) {
	return p.tx().GetOrder(ctx, id)
}
func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	return p.tx().CreateOrder(ctx, o)
}
func (p *PostgresStore) UpdateOrder(ctx context.Context, o *Order) error {
	return p.tx().UpdateOrder(ctx, o)
}
func (p *PostgresStore) ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) ([]*Order, error) {
	return p.tx().ListOrdersByBuyer(ctx, buyerID, limit)
}
func (p *PostgresStore) ListOrdersByFarmer(ctx context.Context, farmerID int64, limit int) ([]*Order, error) {
	return p.tx().ListOrdersByFarmer(ctx, farmerID, limit)
}
func (p *PostgresStore) GetPaymentByOrder(ctx context.Context, orderID int64) (*Payment, error) {
	return p.tx().GetPaymentByOrder(ctx, orderID)
}
func (p *PostgresStore) GetPaymentByMerchantRequestID(ctx context.Context, id string) (*Payment, error) {
	return p.tx().GetPaymentByMerchantRequestID(ctx, id)
}
func (p *PostgresStore) CreatePayment(ctx context.Context, pm *Payment) error {
	return p.tx().CreatePayment(ctx, pm)
}
func (p *PostgresStore) UpdatePayment(ctx context.Context, pm *Payment) error {
	return p.tx().UpdatePayment(ctx, pm)
}
func (p *PostgresStore) GetEscrowByOrder(ctx context.Context, orderID int64) (*EscrowAccount, error) {
	return p.tx().GetEscrowByOrder(ctx, orderID)
}
func (p *PostgresStore) CreateEscrow(ctx context.Context, e *EscrowAccount) error {
	return p.tx().CreateEscrow(ctx, e)
}
func (p *PostgresStore) SettleEscrow(ctx context.Context, orderID int64, to EscrowStatus, at time.Time) (*EscrowAccount, error) {
	return p.tx().SettleEscrow(ctx, orderID, to, at)
}
func (p *PostgresStore) ListHeldEscrowsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*EscrowAccount, error) {
	return p.tx().ListHeldEscrowsBefore(ctx, cutoff, limit)
}
func (p *PostgresStore) GetDispute(ctx context.Context, id int64) (*Dispute, error) {
	return p.tx().GetDispute(ctx, id)
}
func (p *PostgresStore) GetDisputeByOrder(ctx context.Context, orderID int64) (*Dispute, error) {
	return p.tx().GetDisputeByOrder(ctx, orderID)
}
func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	return p.tx().CreateDispute(ctx, d)
}
func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	return p.tx().UpdateDispute(ctx, d)
}
func (p *PostgresStore) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error) {
	return p.tx().ListDisputes(ctx, status, limit)
}
func (p *PostgresStore) GetCart(ctx context.Context, userID int64) ([]*CartItem, error) {
	return p.tx().GetCart(ctx, userID)
}
func (p *PostgresStore) UpsertCartItem(ctx context.Context, item *CartItem) error {
	return p.tx().UpsertCartItem(ctx, item)
}
func (p *PostgresStore) DeleteCartItem(ctx context.Context, userID, livestockID int64) error {
	return p.tx().DeleteCartItem(ctx, userID, livestockID)
}
func (p *PostgresStore) ClearCart(ctx context.Context, userID int64) error {
	return p.tx().ClearCart(ctx, userID)
}

// --- Helpers ---

func checkAffected(result sql.Result, err, notFound error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
