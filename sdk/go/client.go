package hadessdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hades/internal/domain"
)

// DefaultTimeout bounds every request made by a client from New.
const DefaultTimeout = 10 * time.Second

// Client is a minimal HADES backend client covering submission and listing.
// It is safe for concurrent use; configure HTTPClient before sharing it.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitInject posts an inject to the submission endpoint and returns the task id.
func (c *Client) SubmitInject(ctx context.Context, in domain.Inject) (string, error) {
	var resp domain.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "", in, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("submission response is missing an id")
	}
	return resp.ID, nil
}

// ListInjects returns every inject the backend knows about, keyed by task id.
func (c *Client) ListInjects(ctx context.Context) (domain.Listing, error) {
	resp := domain.Listing{}
	err := c.do(ctx, http.MethodGet, "", nil, &resp)
	return resp, err
}

// PostReport pushes a raw transcript frame for a task. Only the development relay serves this.
func (c *Client) PostReport(ctx context.Context, taskID string, frame json.RawMessage) error {
	endpoint := fmt.Sprintf("injects/%s/reports", url.PathEscape(taskID))
	return c.do(ctx, http.MethodPost, endpoint, frame, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
