package thread

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	apperrors "github.com/sais-dev/sais/go/pkg/errors"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend root, e.g. "https://sais.example.com/api".
	BaseURL string
	// Cookie is the session credential forwarded on every request. The
	// backend rejects requests without it; 401 responses are surfaced to the
	// caller, not handled here.
	Cookie string
	// HTTPClient overrides the default client. Streaming requests must not
	// carry a client timeout, so leave Timeout unset when providing one.
	HTTPClient *http.Client
	// Logger receives request-level debug logging. Defaults to discard.
	Logger logr.Logger
}

func (c Config) validate() error {
	var errs *multierror.Error
	if c.BaseURL == "" {
		errs = multierror.Append(errs, fmt.Errorf("base URL is required"))
	} else if u, err := url.Parse(c.BaseURL); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("invalid base URL: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = multierror.Append(errs, fmt.Errorf("base URL scheme must be http or https, got %q", u.Scheme))
	}
	return errs.ErrorOrNil()
}

// Client is a stateless façade over the backend's thread API.
type Client struct {
	baseURL    string
	cookie     string
	httpClient *http.Client
	log        logr.Logger
}

// New creates a Client from cfg.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidConfig, "invalid client configuration", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		cookie:     cfg.Cookie,
		httpClient: httpClient,
		log:        log,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	return req, nil
}

// doJSON issues req and decodes a successful response into out. A non-2xx
// status becomes an HTTPError carrying the status and body text.
func (c *Client) doJSON(req *http.Request, out any) error {
	c.log.V(1).Info("request", "method", req.Method, "url", req.URL.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &apperrors.HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CreateThread creates a new backend thread, with optional metadata.
func (c *Client) CreateThread(ctx context.Context, metadata map[string]any) (*Thread, error) {
	body := map[string]any{}
	if metadata != nil {
		body["metadata"] = metadata
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/threads", body)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeThreadCreate, "failed to create request", err)
	}

	var th Thread
	if err := c.doJSON(req, &th); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeThreadCreate, "failed to create thread", err)
	}
	return &th, nil
}

// GetState fetches the thread's current state snapshot. Each request carries
// a unique query parameter so intermediary caches never serve a stale
// snapshot.
func (c *Client) GetState(ctx context.Context, threadID string) (*StateSnapshot, error) {
	path := fmt.Sprintf("/threads/%s/state?_=%s", url.PathEscape(threadID), uuid.NewString())
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStateGet, "failed to create request", err)
	}

	var snapshot StateSnapshot
	if err := c.doJSON(req, &snapshot); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStateGet, "failed to get thread state", err)
	}
	return &snapshot, nil
}

// GetHistory fetches the thread's state history, newest first. A limit of
// zero means the backend default.
func (c *Client) GetHistory(ctx context.Context, threadID string, limit int) ([]StateSnapshot, error) {
	body := map[string]any{}
	if limit > 0 {
		body["limit"] = limit
	}
	path := fmt.Sprintf("/threads/%s/history", url.PathEscape(threadID))
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeHistoryGet, "failed to create request", err)
	}

	var history []StateSnapshot
	if err := c.doJSON(req, &history); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeHistoryGet, "failed to get thread history", err)
	}
	return history, nil
}

// GetMessages fetches the thread's message list, derived from the current
// state's values. Honors ctx cancellation like every other call.
func (c *Client) GetMessages(ctx context.Context, threadID string) ([]Message, error) {
	snapshot, err := c.GetState(ctx, threadID)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeMessagesGet, "failed to fetch state for messages", err)
	}

	raw, ok := snapshot.Values[messagesField]
	if !ok || raw == nil {
		return nil, nil
	}
	// the message list arrives inside an untyped values map; round-trip it
	// into the typed form
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeMessagesGet, "malformed messages field", err)
	}
	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeMessagesGet, "malformed messages field", err)
	}
	return messages, nil
}

// Info probes backend liveness.
func (c *Client) Info(ctx context.Context) (map[string]any, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/info", nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInfoGet, "failed to create request", err)
	}

	var info map[string]any
	if err := c.doJSON(req, &info); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInfoGet, "backend liveness probe failed", err)
	}
	return info, nil
}

const messagesField = "messages"
