package mpesa

// Callback types for the STK push result Daraja posts back to us.
// ResultCode 0 means the customer paid; anything else is a failure
// (1032 is the customer cancelling the prompt).

// CallbackEnvelope is the outer JSON document of an STK callback.
type CallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback is the callback payload proper.
type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackMetadata carries the payment details on success.
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

// MetadataItem is one name/value pair of callback metadata.
type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// Success reports whether the customer completed the payment.
func (c *StkCallback) Success() bool {
	return c.ResultCode == 0
}

// ReceiptNumber returns the M-Pesa receipt from the metadata, if present.
func (c *StkCallback) ReceiptNumber() string {
	if s, ok := c.metadataValue("MpesaReceiptNumber").(string); ok {
		return s
	}
	return ""
}

// AmountCents returns the paid amount in cents, if present. Daraja
// reports whole KES as a JSON number.
func (c *StkCallback) AmountCents() int64 {
	if f, ok := c.metadataValue("Amount").(float64); ok {
		return int64(f * 100)
	}
	return 0
}

func (c *StkCallback) metadataValue(name string) interface{} {
	if c.CallbackMetadata == nil {
		return nil
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == name {
			return item.Value
		}
	}
	return nil
}
