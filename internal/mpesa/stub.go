package mpesa

import (
	"context"

	"github.com/mbd888/farmart/internal/idgen"
)

// StubGateway fakes Daraja for development mode: every push is accepted
// and reported as still pending until a callback is posted manually.
type StubGateway struct{}

// NewStubGateway creates a stub gateway.
func NewStubGateway() *StubGateway {
	return &StubGateway{}
}

func (s *StubGateway) STKPush(_ context.Context, req STKPushRequest) (*STKPushResponse, error) {
	return &STKPushResponse{
		MerchantRequestID: idgen.WithPrefix("mr_"),
		CheckoutRequestID: idgen.WithPrefix("cr_"),
		ResponseCode:      "0",
		ResponseDesc:      "Success. Request accepted for processing",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (s *StubGateway) STKQuery(_ context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	return &STKQueryResponse{
		CheckoutRequestID: checkoutRequestID,
		ResponseCode:      "0",
		ResultCode:        "1037", // timeout: no callback received yet
		ResultDesc:        "No response from the user",
	}, nil
}

var _ Gateway = (*StubGateway)(nil)
