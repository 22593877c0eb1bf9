package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Client is an HTTP Gateway implementation. The processor speaks JSON over
// HTTPS and authenticates with a bearer API key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Client. The timeout bounds every processor call; the
// payment service treats an expired deadline as a rejected payment rather
// than leaving the charge in limbo.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateIntent initiates a charge with the processor.
func (c *Client) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	var resp struct {
		Data struct {
			ProviderRef string    `json:"provider_ref"`
			Status      string    `json:"status"`
			CreatedAt   time.Time `json:"created_at"`
		} `json:"data"`
		Error string `json:"error"`
	}

	if err := c.post(ctx, "/v1/intents", req, &resp); err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}

	switch resp.Data.Status {
	case "pending", "processing", "requires_confirmation":
		// accepted by the processor
	case "declined":
		return nil, ErrDeclined
	default:
		return nil, fmt.Errorf("%w (status=%q, error=%q)", ErrUnexpectedResponse, resp.Data.Status, resp.Error)
	}

	if resp.Data.ProviderRef == "" {
		return nil, ErrUnexpectedResponse
	}

	return &Intent{
		ProviderRef: resp.Data.ProviderRef,
		Status:      resp.Data.Status,
		CreatedAt:   resp.Data.CreatedAt,
	}, nil
}

// Refund asks the processor to return a settled charge.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	var resp struct {
		Data struct {
			RefundRef   string    `json:"refund_ref"`
			Status      string    `json:"status"`
			ProcessedAt time.Time `json:"processed_at"`
		} `json:"data"`
		Error string `json:"error"`
	}

	if err := c.post(ctx, "/v1/refunds", req, &resp); err != nil {
		return nil, fmt.Errorf("refund: %w", err)
	}

	switch resp.Data.Status {
	case "accepted", "processed":
		// success
	case "rejected":
		return nil, ErrRefundRejected
	default:
		return nil, fmt.Errorf("%w (status=%q, error=%q)", ErrUnexpectedResponse, resp.Data.Status, resp.Error)
	}

	return &RefundResult{
		RefundRef:   resp.Data.RefundRef,
		ProcessedAt: resp.Data.ProcessedAt,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return ErrTimeout
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
