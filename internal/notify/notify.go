// Package notify delivers marketplace event notifications to external
// services.
//
// Users can register webhook URLs to hear about:
// - Order lifecycle changes
// - Payment results
// - Escrow settlement
// - Dispute activity
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/farmart/internal/retry"
	"github.com/mbd888/farmart/internal/security"
	"github.com/mbd888/farmart/internal/syncutil"
)

// EventType represents the type of notification event
type EventType string

const (
	EventOrderPlaced      EventType = "order.placed"
	EventOrderConfirmed   EventType = "order.confirmed"
	EventOrderShipped     EventType = "order.shipped"
	EventOrderDelivered   EventType = "order.delivered"
	EventOrderCancelled   EventType = "order.cancelled"
	EventPaymentCompleted EventType = "payment.completed"
	EventPaymentFailed    EventType = "payment.failed"
	EventEscrowReleased   EventType = "escrow.released"
	EventEscrowRefunded   EventType = "escrow.refunded"
	EventDisputeOpened    EventType = "dispute.opened"
	EventDisputeResolved  EventType = "dispute.resolved"
)

// Event represents a notification event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	UserID              int64       `json:"userId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID int64) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// maxConsecutiveFailures is the threshold past which a subscription is
// deactivated instead of hammered forever.
const maxConsecutiveFailures = 10

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	urlValidator func(string) error

	// Serializes deliveries per subscription so concurrent sends don't
	// race on the consecutive-failure counter.
	subLocks syncutil.ShardedMutex
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		urlValidator: security.ValidateEndpointURL,
	}
}

// Subscriptions returns the dispatcher's subscription store.
func (d *Dispatcher) Subscriptions() Store {
	return d.store
}

// Dispatch sends an event to all relevant subscribers
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Send async to avoid blocking
		go d.send(ctx, sub, event)
	}

	return nil
}

// DispatchToUser sends an event to a specific user's webhooks
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID int64, event *Event) error {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Check if subscribed to this event type
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(ctx, sub, event)
				break
			}
		}
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	unlock := d.subLocks.Lock(sub.ID)
	defer unlock()

	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("url rejected: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	// Retry transient failures; a 4xx means the endpoint doesn't want
	// this payload and retrying won't change that.
	err = retry.Do(ctx, 3, 250*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Farmart-Event", string(event.Type))
		req.Header.Set("X-Farmart-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

		// Sign the payload if secret is set
		if sub.Secret != "" {
			signature := d.sign(payload, sub.Secret)
			req.Header.Set("X-Farmart-Signature", signature)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		default:
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	})
	if err != nil {
		d.updateError(ctx, sub, err.Error())
		return
	}
	d.updateSuccess(ctx, sub)
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID int64) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
