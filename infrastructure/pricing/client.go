// Package pricing is C4: synchronous RPCs to the discount engine and tax
// engine (§4.4). It uses a plain net/http client with explicit timeouts —
// the one ambient concern in this repo kept on the standard library; see
// DESIGN.md and SPEC_FULL.md §19 for why no pack library fits this role
// better than net/http does already.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"checkoutsaga/domain/saga"
	"checkoutsaga/internal/errs"
	"checkoutsaga/pkg/metrics"
)

// Client implements domain/saga.PricingClient.
type Client struct {
	httpClient *http.Client
	metrics    *metrics.Metrics

	discountBaseURL string
	taxBaseURL      string
}

func NewClient(discountBaseURL, taxBaseURL string, timeout time.Duration, m *metrics.Metrics) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
			},
		},
		metrics:         m,
		discountBaseURL: discountBaseURL,
		taxBaseURL:      taxBaseURL,
	}
}

type discountRequest struct {
	CartID string          `json:"cart_id"`
	UserID string          `json:"user_id"`
	Items  []saga.CartItem `json:"items"`
}

type discountResponse struct {
	DiscountCents int64 `json:"discount_cents"`
}

// CalculateDiscount calls POST /api/discounts/calculate. A transport error
// or non-2xx/malformed response is transient_external (§7), or timeout when
// ctx's deadline has expired, and the engine retries it; a negative
// discount_cents is the remote service breaking its
// own contract, classified business_failure since retrying changes nothing.
func (c *Client) CalculateDiscount(ctx context.Context, cartID, userID string, items []saga.CartItem) (int64, error) {
	body, err := json.Marshal(discountRequest{CartID: cartID, UserID: userID, Items: items})
	if err != nil {
		return 0, fmt.Errorf("pricing: marshal discount request: %w", err)
	}

	start := time.Now()
	var resp discountResponse
	err = c.postJSON(ctx, c.discountBaseURL+"/api/discounts/calculate", body, &resp)
	if c.metrics != nil {
		c.metrics.PricingLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return 0, fmt.Errorf("pricing: discount: %w", err)
	}
	if resp.DiscountCents < 0 {
		return 0, errs.BusinessFailure("pricing_discount", errors.New("negative discount_cents"))
	}
	return resp.DiscountCents, nil
}

type taxRequest struct {
	CartID string          `json:"cart_id"`
	Items  []saga.CartItem `json:"items"`
}

type taxResponse struct {
	TaxCents int64 `json:"tax_cents"`
}

// CalculateTax calls POST /api/tax/calculate. Same classification as
// CalculateDiscount.
func (c *Client) CalculateTax(ctx context.Context, cartID string, items []saga.CartItem) (int64, error) {
	body, err := json.Marshal(taxRequest{CartID: cartID, Items: items})
	if err != nil {
		return 0, fmt.Errorf("pricing: marshal tax request: %w", err)
	}

	start := time.Now()
	var resp taxResponse
	err = c.postJSON(ctx, c.taxBaseURL+"/api/tax/calculate", body, &resp)
	if c.metrics != nil {
		c.metrics.PricingLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return 0, fmt.Errorf("pricing: tax: %w", err)
	}
	if resp.TaxCents < 0 {
		return 0, errs.BusinessFailure("pricing_tax", errors.New("negative tax_cents"))
	}
	return resp.TaxCents, nil
}

// postJSON classifies every failure through internal/errs (§7, §11): a
// context deadline is timeout, anything else reaching the wire is
// transient_external since a retry may succeed against a healthy instance.
func (c *Client) postJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errs.Timeout("pricing_rpc", fmt.Errorf("request failed: %w", err))
		}
		return errs.TransientExternal("pricing_rpc", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.TransientExternal("pricing_rpc", fmt.Errorf("non-2xx response: %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.TransientExternal("pricing_rpc", fmt.Errorf("malformed json: %w", err))
	}
	return nil
}
