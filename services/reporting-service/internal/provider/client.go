package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stoik/smsledger/internal/models"
)

const apiPrefix = "/api/laml/2010-04-01/Accounts/"

// ClientConfig holds SignalWire credentials. SpaceURL may omit the scheme, in
// which case https is assumed.
type ClientConfig struct {
	SpaceURL  string
	ProjectID string
	AuthToken string
	Timeout   time.Duration
}

// Client implements LogAPI against the SignalWire (Twilio-compatible) LaML
// REST API.
type Client struct {
	baseURL   *url.URL
	projectID string
	authToken string
	client    *http.Client
}

// NewClient creates a SignalWire client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.SpaceURL == "" || cfg.ProjectID == "" || cfg.AuthToken == "" {
		return nil, errors.New("provider.space_url, provider.project_id and provider.auth_token are required")
	}

	raw := strings.TrimRight(cfg.SpaceURL, "/")
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid space url %q: %w", cfg.SpaceURL, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		baseURL:   base,
		projectID: cfg.ProjectID,
		authToken: cfg.AuthToken,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// ListMessages implements LogAPI.ListMessages
func (c *Client) ListMessages(ctx context.Context, window models.Window, cursor string, pageSize int) (*models.ProviderMessagePage, error) {
	var (
		target string
		err    error
	)
	if cursor == "" {
		target = c.firstPageURL(window, pageSize)
	} else {
		target, err = c.resolve(cursor)
		if err != nil {
			return nil, err
		}
	}

	var page models.ProviderMessagePage
	if err := c.get(ctx, target, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Ping fetches a single message to check credentials.
func (c *Client) Ping(ctx context.Context) error {
	q := url.Values{}
	q.Set("PageSize", "1")
	var page models.ProviderMessagePage
	return c.get(ctx, c.messagesURL()+"?"+q.Encode(), &page)
}

func (c *Client) get(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.projectID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Err: fmt.Errorf("failed to list messages: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if retryableStatus(resp.StatusCode) {
			return &TransientError{Err: statusErr}
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		decodeErr := fmt.Errorf("failed to decode response: %w", err)
		if truncatedBody(err) {
			return &TransientError{Err: decodeErr}
		}
		return decodeErr
	}
	return nil
}

// truncatedBody reports whether a decode failed because the body stopped
// arriving rather than because it was malformed.
func truncatedBody(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) messagesURL() string {
	return c.baseURL.String() + apiPrefix + url.PathEscape(c.projectID) + "/Messages.json"
}

// firstPageURL filters by send date. The API filters by calendar day, so the
// upper bound is the day after Until and the caller trims to the window.
func (c *Client) firstPageURL(window models.Window, pageSize int) string {
	q := url.Values{}
	q.Set("PageSize", strconv.Itoa(pageSize))
	if !window.Since.IsZero() {
		q.Set("DateSent>", window.Since.UTC().Format("2006-01-02"))
	}
	if !window.Until.IsZero() {
		q.Set("DateSent<", window.Until.UTC().AddDate(0, 0, 1).Format("2006-01-02"))
	}
	return c.messagesURL() + "?" + q.Encode()
}

// resolve turns a next_page_uri into an absolute URL on the configured space.
func (c *Client) resolve(cursor string) (string, error) {
	ref, err := url.Parse(cursor)
	if err != nil {
		return "", fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	if ref.IsAbs() && ref.Host != c.baseURL.Host {
		return "", fmt.Errorf("cursor %q points outside %s", cursor, c.baseURL.Host)
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}
