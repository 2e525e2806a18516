// Package payment drives the M-Pesa charge lifecycle for orders: STK
// push initiation, the asynchronous result callback, and status queries.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/farmart/internal/logging"
	"github.com/mbd888/farmart/internal/metrics"
	"github.com/mbd888/farmart/internal/mpesa"
	"github.com/mbd888/farmart/internal/notify"
	"github.com/mbd888/farmart/internal/order"
	"github.com/mbd888/farmart/internal/store"
	"github.com/mbd888/farmart/internal/syncutil"
	"github.com/mbd888/farmart/internal/traces"
)

var (
	ErrNotOrderBuyer  = errors.New("only the order's buyer can pay for it")
	ErrAlreadyPaid    = errors.New("order is already paid")
	ErrChargeInFlight = errors.New("a charge for this order is still processing")
	ErrNotInitiated   = errors.New("no charge has been initiated for this order")
)

// EscrowHolder opens the escrow account once a charge completes.
// Implemented by the escrow service.
type EscrowHolder interface {
	HoldTx(ctx context.Context, tx store.Tx, o *store.Order, now time.Time) (*store.EscrowAccount, error)
}

// Service implements payment business logic.
type Service struct {
	store   store.Store
	gateway mpesa.Gateway
	escrow  EscrowHolder
	notify  *notify.Emitter

	// Serializes Initiate per order so two concurrent calls can't both
	// pass the status check and fire duplicate STK pushes.
	locks syncutil.ContextShardedMutex
}

// NewService creates a new payment service.
func NewService(st store.Store, gateway mpesa.Gateway, holder EscrowHolder) *Service {
	return &Service{store: st, gateway: gateway, escrow: holder}
}

// SetEmitter attaches the notification emitter. Nil is fine.
func (s *Service) SetEmitter(e *notify.Emitter) { s.notify = e }

// Initiate starts an STK push for an unpaid (pending or farmer-confirmed)
// order. A failed earlier charge may be retried; a processing or
// completed charge may not.
func (s *Service) Initiate(ctx context.Context, orderID, callerID int64) (*store.Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Initiate", traces.OrderID(orderID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, strconv.FormatInt(orderID, 10))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Stage the payment row first so the charge is never invisible.
	var o *store.Order
	var p *store.Payment
	var buyer *store.User
	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != callerID {
			return ErrNotOrderBuyer
		}
		if o.Status != store.OrderPending && o.Status != store.OrderConfirmed {
			return ErrAlreadyPaid
		}
		buyer, err = tx.GetUser(ctx, o.BuyerID)
		if err != nil {
			return err
		}

		p, err = tx.GetPaymentByOrder(ctx, orderID)
		switch {
		case errors.Is(err, store.ErrPaymentNotFound):
			p = &store.Payment{
				OrderID: orderID,
				UserID:  callerID,
				Amount:  o.TotalAmount,
				Status:  store.PaymentPending,
			}
			return tx.CreatePayment(ctx, p)
		case err != nil:
			return err
		}

		switch p.Status {
		case store.PaymentCompleted, store.PaymentRefunded:
			return ErrAlreadyPaid
		case store.PaymentProcessing:
			return ErrChargeInFlight
		}
		p.Status = store.PaymentPending
		return tx.UpdatePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.gateway.STKPush(ctx, mpesa.STKPushRequest{
		PhoneNumber: buyer.PhoneNumber,
		Amount:      o.TotalAmount / 100, // Daraja takes whole KES
		Reference:   o.OrderNumber,
		Description: "Farmart order " + o.OrderNumber,
	})
	if err != nil {
		s.markFailed(ctx, p)
		metrics.PaymentsTotal.WithLabelValues(string(store.PaymentFailed)).Inc()
		return nil, fmt.Errorf("stk push: %w", err)
	}

	err = s.store.Atomic(ctx, func(tx store.Tx) error {
		fresh, err := tx.GetPaymentByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		fresh.Status = store.PaymentProcessing
		fresh.MerchantRequestID = resp.MerchantRequestID
		fresh.CheckoutRequestID = resp.CheckoutRequestID
		if err := tx.UpdatePayment(ctx, fresh); err != nil {
			return err
		}
		p = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(store.PaymentProcessing)).Inc()
	logging.L(ctx).Info("stk push sent",
		"orderId", orderID,
		"merchantRequestId", resp.MerchantRequestID,
		"amount", o.TotalAmount,
	)
	return p, nil
}

// HandleCallback applies Daraja's asynchronous result. The callback is
// idempotent: only a processing charge is touched, so replays and
// late duplicates fall through without effect.
func (s *Service) HandleCallback(ctx context.Context, cb mpesa.StkCallback) error {
	ctx, span := traces.StartSpan(ctx, "payment.HandleCallback",
		traces.MerchantRequestID(cb.MerchantRequestID))
	defer span.End()

	now := time.Now()
	var outcome store.PaymentStatus
	var o *store.Order
	var farmerID int64
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		p, err := tx.GetPaymentByMerchantRequestID(ctx, cb.MerchantRequestID)
		if err != nil {
			return err
		}
		if p.Status != store.PaymentProcessing {
			// Already settled by an earlier delivery of this callback.
			outcome = ""
			return nil
		}

		if o, err = tx.GetOrder(ctx, p.OrderID); err != nil {
			return err
		}
		l, err := tx.GetListing(ctx, o.LivestockID)
		if err != nil {
			return err
		}
		farmerID = l.FarmerID

		if !cb.Success() {
			p.Status = store.PaymentFailed
			outcome = store.PaymentFailed
			return tx.UpdatePayment(ctx, p)
		}

		p.Status = store.PaymentCompleted
		p.ReceiptNumber = cb.ReceiptNumber()
		p.PaidAt = &now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}

		if _, err := s.escrow.HoldTx(ctx, tx, o, now); err != nil {
			return err
		}
		if o, err = order.ConfirmTx(ctx, tx, o.ID, now); err != nil {
			return err
		}
		outcome = store.PaymentCompleted
		return nil
	})
	if err != nil {
		return err
	}

	switch outcome {
	case store.PaymentCompleted:
		s.notify.EmitPaymentCompleted(o, farmerID, cb.ReceiptNumber())
		s.notify.EmitOrderStatus(o, farmerID, notify.EventOrderConfirmed)
	case store.PaymentFailed:
		s.notify.EmitPaymentFailed(o, farmerID, cb.ResultDesc)
	}

	if outcome != "" {
		metrics.PaymentsTotal.WithLabelValues(string(outcome)).Inc()
		logging.L(ctx).Info("payment callback applied",
			"merchantRequestId", cb.MerchantRequestID,
			"resultCode", cb.ResultCode,
			"outcome", string(outcome),
		)
	} else {
		logging.L(ctx).Debug("duplicate payment callback ignored",
			"merchantRequestId", cb.MerchantRequestID)
	}
	return nil
}

// Query asks Daraja for the current status of the order's charge.
func (s *Service) Query(ctx context.Context, orderID, callerID int64) (*mpesa.STKQueryResponse, error) {
	p, err := s.store.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if p.UserID != callerID {
		return nil, ErrNotOrderBuyer
	}
	if p.CheckoutRequestID == "" {
		return nil, ErrNotInitiated
	}
	return s.gateway.STKQuery(ctx, p.CheckoutRequestID)
}

// GetByOrder returns the payment record for an order.
func (s *Service) GetByOrder(ctx context.Context, orderID int64) (*store.Payment, error) {
	return s.store.GetPaymentByOrder(ctx, orderID)
}

func (s *Service) markFailed(ctx context.Context, p *store.Payment) {
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		fresh, err := tx.GetPaymentByOrder(ctx, p.OrderID)
		if err != nil {
			return err
		}
		fresh.Status = store.PaymentFailed
		return tx.UpdatePayment(ctx, fresh)
	})
	if err != nil {
		logging.L(ctx).Warn("failed to mark payment failed", "orderId", p.OrderID, "error", err)
	}
}
