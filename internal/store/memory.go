package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/development mode and tests.
// Atomic clones the dataset, applies the function to the clone, and swaps
// it in on success, so a failed block leaves nothing behind.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	users    map[int64]*User
	listings map[int64]*Livestock
	orders   map[int64]*Order
	payments map[int64]*Payment
	escrows  map[int64]*EscrowAccount // keyed by order ID (1:1)
	disputes map[int64]*Dispute
	carts    map[int64]map[int64]*CartItem
	seq      int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func newMemData() *memData {
	return &memData{
		users:    make(map[int64]*User),
		listings: make(map[int64]*Livestock),
		orders:   make(map[int64]*Order),
		payments: make(map[int64]*Payment),
		escrows:  make(map[int64]*EscrowAccount),
		disputes: make(map[int64]*Dispute),
		carts:    make(map[int64]map[int64]*CartItem),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	c.seq = d.seq
	for k, v := range d.users {
		cp := *v
		c.users[k] = &cp
	}
	for k, v := range d.listings {
		cp := *v
		c.listings[k] = &cp
	}
	for k, v := range d.orders {
		cp := *v
		c.orders[k] = &cp
	}
	for k, v := range d.payments {
		cp := *v
		c.payments[k] = &cp
	}
	for k, v := range d.escrows {
		cp := *v
		c.escrows[k] = &cp
	}
	for k, v := range d.disputes {
		cp := *v
		c.disputes[k] = &cp
	}
	for k, items := range d.carts {
		m := make(map[int64]*CartItem, len(items))
		for lk, it := range items {
			cp := *it
			m[lk] = &cp
		}
		c.carts[k] = m
	}
	return c
}

func (d *memData) nextID() int64 {
	d.seq++
	return d.seq
}

// Atomic implements Store.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.data.clone()
	if err := fn(&memTx{data: staged}); err != nil {
		return err
	}
	m.data = staged
	return nil
}

// memTx implements Tx against a staged dataset.
type memTx struct {
	data *memData
}

func (t *memTx) GetUser(_ context.Context, id int64) (*User, error) {
	u, ok := t.data.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) GetUserByPhone(_ context.Context, phone string) (*User, error) {
	for _, u := range t.data.users {
		if u.PhoneNumber == phone {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (t *memTx) CreateUser(_ context.Context, u *User) error {
	for _, existing := range t.data.users {
		if existing.PhoneNumber == u.PhoneNumber {
			return ErrDuplicate
		}
	}
	if u.ID == 0 {
		u.ID = t.data.nextID()
	}
	cp := *u
	t.data.users[u.ID] = &cp
	return nil
}

func (t *memTx) UpdateUser(_ context.Context, u *User) error {
	if _, ok := t.data.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	cp := *u
	t.data.users[u.ID] = &cp
	return nil
}

func (t *memTx) GetListing(_ context.Context, id int64) (*Livestock, error) {
	l, ok := t.data.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (t *memTx) CreateListing(_ context.Context, l *Livestock) error {
	if l.ID == 0 {
		l.ID = t.data.nextID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	cp := *l
	t.data.listings[l.ID] = &cp
	return nil
}

func (t *memTx) UpdateListing(_ context.Context, l *Livestock) error {
	if _, ok := t.data.listings[l.ID]; !ok {
		return ErrListingNotFound
	}
	cp := *l
	t.data.listings[l.ID] = &cp
	return nil
}

func (t *memTx) ListListings(_ context.Context, status ListingStatus, before time.Time, beforeID int64, limit int) ([]*Livestock, error) {
	var result []*Livestock
	for _, l := range t.data.listings {
		if status != "" && l.Status != status {
			continue
		}
		if !before.IsZero() {
			if l.CreatedAt.After(before) || (l.CreatedAt.Equal(before) && l.ID >= beforeID) {
				continue
			}
		}
		cp := *l
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *memTx) GetOrder(_ context.Context, id int64) (*Order, error) {
	o, ok := t.data.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) CreateOrder(_ context.Context, o *Order) error {
	if o.ID == 0 {
		o.ID = t.data.nextID()
	}
	cp := *o
	t.data.orders[o.ID] = &cp
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *Order) error {
	if _, ok := t.data.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	cp := *o
	t.data.orders[o.ID] = &cp
	return nil
}

func (t *memTx) ListOrdersByBuyer(_ context.Context, buyerID int64, limit int) ([]*Order, error) {
	var result []*Order
	for _, o := range t.data.orders {
		if o.BuyerID == buyerID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sortOrdersDesc(result)
	return capOrders(result, limit), nil
}

func (t *memTx) ListOrdersByFarmer(_ context.Context, farmerID int64, limit int) ([]*Order, error) {
	var result []*Order
	for _, o := range t.data.orders {
		l, ok := t.data.listings[o.LivestockID]
		if ok && l.FarmerID == farmerID {
			cp := *o
			result = append(result, &cp)
		}
	}
	sortOrdersDesc(result)
	return capOrders(result, limit), nil
}

func (t *memTx) GetPaymentByOrder(_ context.Context, orderID int64) (*Payment, error) {
	for _, p := range t.data.payments {
		if p.OrderID == orderID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (t *memTx) GetPaymentByMerchantRequestID(_ context.Context, merchantRequestID string) (*Payment, error) {
	for _, p := range t.data.payments {
		if p.MerchantRequestID != "" && p.MerchantRequestID == merchantRequestID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (t *memTx) CreatePayment(_ context.Context, p *Payment) error {
	for _, existing := range t.data.payments {
		if existing.OrderID == p.OrderID {
			return ErrDuplicate
		}
	}
	if p.ID == 0 {
		p.ID = t.data.nextID()
	}
	cp := *p
	t.data.payments[p.ID] = &cp
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *Payment) error {
	if _, ok := t.data.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	cp := *p
	t.data.payments[p.ID] = &cp
	return nil
}

func (t *memTx) GetEscrowByOrder(_ context.Context, orderID int64) (*EscrowAccount, error) {
	e, ok := t.data.escrows[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (t *memTx) CreateEscrow(_ context.Context, e *EscrowAccount) error {
	if _, ok := t.data.escrows[e.OrderID]; ok {
		return ErrDuplicate
	}
	if e.ID == 0 {
		e.ID = t.data.nextID()
	}
	cp := *e
	t.data.escrows[e.OrderID] = &cp
	return nil
}

func (t *memTx) SettleEscrow(_ context.Context, orderID int64, to EscrowStatus, at time.Time) (*EscrowAccount, error) {
	e, ok := t.data.escrows[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != EscrowHeld {
		return nil, ErrInvalidState
	}
	e.Status = to
	e.ReleasedAt = &at
	cp := *e
	return &cp, nil
}

func (t *memTx) ListHeldEscrowsBefore(_ context.Context, cutoff time.Time, limit int) ([]*EscrowAccount, error) {
	var result []*EscrowAccount
	for _, e := range t.data.escrows {
		if e.Status == EscrowHeld && !e.HeldAt.After(cutoff) {
			cp := *e
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (t *memTx) GetDispute(_ context.Context, id int64) (*Dispute, error) {
	d, ok := t.data.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (t *memTx) GetDisputeByOrder(_ context.Context, orderID int64) (*Dispute, error) {
	for _, d := range t.data.disputes {
		if d.OrderID == orderID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (t *memTx) CreateDispute(_ context.Context, d *Dispute) error {
	for _, existing := range t.data.disputes {
		if existing.OrderID == d.OrderID {
			return ErrDuplicate
		}
	}
	if d.ID == 0 {
		d.ID = t.data.nextID()
	}
	cp := *d
	t.data.disputes[d.ID] = &cp
	return nil
}

func (t *memTx) UpdateDispute(_ context.Context, d *Dispute) error {
	if _, ok := t.data.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	t.data.disputes[d.ID] = &cp
	return nil
}

func (t *memTx) ListDisputes(_ context.Context, status DisputeStatus, limit int) ([]*Dispute, error) {
	var result []*Dispute
	for _, d := range t.data.disputes {
		if status != "" && d.Status != status {
			continue
		}
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.After(result[j].OpenedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *memTx) GetCart(_ context.Context, userID int64) ([]*CartItem, error) {
	items := t.data.carts[userID]
	result := make([]*CartItem, 0, len(items))
	for _, it := range items {
		cp := *it
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AddedAt.Before(result[j].AddedAt) })
	return result, nil
}

func (t *memTx) UpsertCartItem(_ context.Context, item *CartItem) error {
	m, ok := t.data.carts[item.UserID]
	if !ok {
		m = make(map[int64]*CartItem)
		t.data.carts[item.UserID] = m
	}
	cp := *item
	m[item.LivestockID] = &cp
	return nil
}

func (t *memTx) DeleteCartItem(_ context.Context, userID, livestockID int64) error {
	if m, ok := t.data.carts[userID]; ok {
		delete(m, livestockID)
	}
	return nil
}

func (t *memTx) ClearCart(_ context.Context, userID int64) error {
	delete(t.data.carts, userID)
	return nil
}

func sortOrdersDesc(orders []*Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].PlacedAt.After(orders[j].PlacedAt) })
}

func capOrders(orders []*Order, limit int) []*Order {
	if limit > 0 && len(orders) > limit {
		return orders[:limit]
	}
	return orders
}

// Direct (non-Atomic) operations delegate to a single-op transaction.

func (m *MemoryStore) GetUser(ctx context.Context, id int64) (u *User, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { u, err = tx.GetUser(ctx, id); return err })
	return u, err
}

func (m *MemoryStore) GetUserByPhone(ctx context.Context, phone string) (u *User, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { u, err = tx.GetUserByPhone(ctx, phone); return err })
	return u, err
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.CreateUser(ctx, u) })
}

func (m *MemoryStore) UpdateUser(ctx context.Context, u *User) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.UpdateUser(ctx, u) })
}

func (m *MemoryStore) GetListing(ctx context.Context, id int64) (l *Livestock, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { l, err = tx.GetListing(ctx, id); return err })
	return l, err
}

func (m *MemoryStore) CreateListing(ctx context.Context, l *Livestock) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.CreateListing(ctx, l) })
}

func (m *MemoryStore) UpdateListing(ctx context.Context, l *Livestock) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.UpdateListing(ctx, l) })
}

func (m *MemoryStore) GetOrder(ctx context.Context, id int64) (o *Order, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { o, err = tx.GetOrder(ctx, id); return err })
	return o, err
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *Order) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.CreateOrder(ctx, o) })
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, o *Order) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.UpdateOrder(ctx, o) })
}

func (m *MemoryStore) ListListings(ctx context.Context, status ListingStatus, before time.Time, beforeID int64, limit int) (ls []*Livestock, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { ls, err = tx.ListListings(ctx, status, before, beforeID, limit); return err })
	return ls, err
}

func (m *MemoryStore) ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) (orders []*Order, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { orders, err = tx.ListOrdersByBuyer(ctx, buyerID, limit); return err })
	return orders, err
}

func (m *MemoryStore) ListOrdersByFarmer(ctx context.Context, farmerID int64, limit int) (orders []*Order, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { orders, err = tx.ListOrdersByFarmer(ctx, farmerID, limit); return err })
	return orders, err
}

func (m *MemoryStore) GetPaymentByOrder(ctx context.Context, orderID int64) (p *Payment, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { p, err = tx.GetPaymentByOrder(ctx, orderID); return err })
	return p, err
}

func (m *MemoryStore) GetPaymentByMerchantRequestID(ctx context.Context, id string) (p *Payment, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { p, err = tx.GetPaymentByMerchantRequestID(ctx, id); return err })
	return p, err
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.CreatePayment(ctx, p) })
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, p *Payment) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.UpdatePayment(ctx, p) })
}

func (m *MemoryStore) GetEscrowByOrder(ctx context.Context, orderID int64) (e *EscrowAccount, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { e, err = tx.GetEscrowByOrder(ctx, orderID); return err })
	return e, err
}

func (m *MemoryStore) CreateEscrow(ctx context.Context, e *EscrowAccount) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.CreateEscrow(ctx, e) })
}

func (m *MemoryStore) SettleEscrow(ctx context.Context, orderID int64, to EscrowStatus, at time.Time) (e *EscrowAccount, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { e, err = tx.SettleEscrow(ctx, orderID, to, at); return err })
	return e, err
}

func (m *MemoryStore) ListHeldEscrowsBefore(ctx context.Context, cutoff time.Time, limit int) (escrows []*EscrowAccount, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { escrows, err = tx.ListHeldEscrowsBefore(ctx, cutoff, limit); return err })
	return escrows, err
}

func (m *MemoryStore) GetDispute(ctx context.Context, id int64) (d *Dispute, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { d, err = tx.GetDispute(ctx, id); return err })
	return d, err
}

func (m *MemoryStore) GetDisputeByOrder(ctx context.Context, orderID int64) (d *Dispute, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { d, err = tx.GetDisputeByOrder(ctx, orderID); return err })
	return d, err
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.CreateDispute(ctx, d) })
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.UpdateDispute(ctx, d) })
}

func (m *MemoryStore) ListDisputes(ctx context.Context, status DisputeStatus, limit int) (ds []*Dispute, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { ds, err = tx.ListDisputes(ctx, status, limit); return err })
	return ds, err
}

func (m *MemoryStore) GetCart(ctx context.Context, userID int64) (items []*CartItem, err error) {
	err = m.Atomic(ctx, func(tx Tx) error { items, err = tx.GetCart(ctx, userID); return err })
	return items, err
}

func (m *MemoryStore) UpsertCartItem(ctx context.Context, item *CartItem) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.UpsertCartItem(ctx, item) })
}

func (m *MemoryStore) DeleteCartItem(ctx context.Context, userID, livestockID int64) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.DeleteCartItem(ctx, userID, livestockID) })
}

func (m *MemoryStore) ClearCart(ctx context.Context, userID int64) error {
	return m.Atomic(ctx, func(tx Tx) error { return tx.ClearCart(ctx, userID) })
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
