// Package mpesa is a client for the Safaricom Daraja API: OAuth token
// management, STK push initiation, and transaction status queries.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/farmart/internal/circuitbreaker"
	"github.com/mbd888/farmart/internal/retry"
)

var (
	ErrAuthFailed  = errors.New("mpesa: authentication failed")
	ErrRejected    = errors.New("mpesa: request rejected")
	ErrUnavailable = errors.New("mpesa: gateway unavailable")
)

// breakerKey groups all Daraja calls under one circuit. The API fails as a
// whole (sandbox outages, expired credentials), not per endpoint.
const breakerKey = "daraja"

// Gateway is the part of the Daraja API the payment service needs.
type Gateway interface {
	STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error)
}

// STKPushRequest contains the parameters for initiating an STK push.
type STKPushRequest struct {
	PhoneNumber string // 2547XXXXXXXX
	Amount      int64  // whole KES, Daraja does not take cents
	Reference   string // shows on the customer's statement
	Description string
}

// STKPushResponse is Daraja's acknowledgement of an STK push.
type STKPushResponse struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	ResponseDesc      string `json:"ResponseDescription"`
	CustomerMessage   string `json:"CustomerMessage"`
}

// STKQueryResponse is the status of a previously initiated push.
type STKQueryResponse struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResponseCode      string `json:"ResponseCode"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
}

// Config holds Daraja credentials and endpoints.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration // per-request timeout; 30s when zero
}

// Client talks to the Daraja API. Access tokens are cached until shortly
// before expiry.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a new Daraja client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"` // seconds, as a string
}

// accessToken returns a cached token or fetches a fresh one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var tr tokenResponse
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return retry.Permanent(ErrAuthFailed)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("mpesa: token endpoint returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&tr)
	})
	if err != nil {
		return "", err
	}

	ttl := 3600
	if n, err := strconv.Atoi(tr.ExpiresIn); err == nil && n > 0 {
		ttl = n
	}
	c.token = tr.AccessToken
	// Refresh a minute early so in-flight requests never carry a stale token.
	c.tokenExpiry = time.Now().Add(time.Duration(ttl-60) * time.Second)
	return c.token, nil
}

// STKPush asks Daraja to pop a payment prompt on the customer's phone.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	timestamp := time.Now().Format("20060102150405")
	body := map[string]interface{}{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            req.Amount,
		"PartyA":            req.PhoneNumber,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       req.PhoneNumber,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  req.Reference,
		"TransactionDesc":   req.Description,
	}

	var out STKPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", body, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return nil, fmt.Errorf("%w: %s", ErrRejected, out.ResponseDesc)
	}
	return &out, nil
}

// STKQuery checks the status of an earlier push.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	timestamp := time.Now().Format("20060102150405")
	body := map[string]interface{}{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var out STKQueryResponse
	if err := c.post(ctx, "/mpesa/stkpushquery/v1/query", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	if !c.breaker.Allow(breakerKey) {
		return ErrUnavailable
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("mpesa: %s returned %d", path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Permanent(fmt.Errorf("%w: %s returned %d: %s", ErrRejected, path, resp.StatusCode, raw))
		}
		return json.Unmarshal(raw, out)
	})
	// A 4xx means Daraja is up and rejected this request on its merits.
	// Only transport errors and 5xx count against the circuit.
	if err != nil && !errors.Is(err, ErrRejected) {
		c.breaker.RecordFailure(breakerKey)
		return err
	}
	c.breaker.RecordSuccess(breakerKey)
	return err
}

// password is base64(shortcode + passkey + timestamp) per Daraja docs.
func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp))
}

var _ Gateway = (*Client)(nil)
