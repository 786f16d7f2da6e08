// Package history fetches authoritative message history from the REST
// history service. It is the source the resynchronizer replaces timelines
// from, and it is also read on the first join of a context.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/transport"
	"github.com/kabili207/chatsync-go/transport/wire"
)

const (
	// DefaultPageSize is the number of messages requested per page.
	DefaultPageSize = 50

	// DefaultMaxMessages bounds how many messages one fetch loads.
	DefaultMaxMessages = 200

	// DefaultRequestTimeout bounds a single page request.
	DefaultRequestTimeout = 10 * time.Second
)

// ErrUnauthorized is returned when the history service rejects the
// credential.
var ErrUnauthorized = fmt.Errorf("history: %w", transport.ErrUnauthorized)

// ClientConfig configures a history Client.
type ClientConfig struct {
	// BaseURL is the service root, e.g. "https://chat.example.com".
	BaseURL string

	// Token returns the bearer token for each request. May be nil.
	Token func() string

	// HTTPClient is used for requests. http.DefaultClient if nil.
	HTTPClient *http.Client

	// PageSize is the number of messages per request. Default: 50.
	PageSize int

	// MaxMessages bounds one fetch. Default: 200.
	MaxMessages int

	// Logger for client events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Client reads the history service.
type Client struct {
	cfg  ClientConfig
	log  *slog.Logger
	http *http.Client
}

// NewClient creates a history client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("history: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("history: invalid base URL: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, log: logger.WithGroup("history"), http: hc}, nil
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

type page struct {
	Messages   []wire.MessageRecord `json:"messages"`
	NextCursor string               `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`
}

type blockList struct {
	Users []string `json:"users"`
}

// FetchHistory loads the most recent messages of c, oldest first. Pages are
// requested backward from the newest message until MaxMessages are loaded
// or the service reports no more.
func (cl *Client) FetchHistory(ctx context.Context, c core.ContextID) ([]core.Message, error) {
	var out []core.Message
	cursor := ""
	for len(out) < cl.cfg.MaxMessages {
		limit := min(cl.cfg.PageSize, cl.cfg.MaxMessages-len(out))
		q := url.Values{}
		q.Set("direction", "backward")
		q.Set("limit", strconv.Itoa(limit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		path := fmt.Sprintf("/api/v1/contexts/%s/%s/messages", c.Kind, url.PathEscape(c.ID))

		var p page
		if err := cl.get(ctx, path, q, &p); err != nil {
			return nil, fmt.Errorf("fetching history of %s: %w", c, err)
		}
		for _, r := range p.Messages {
			out = append(out, r.Message(c))
		}
		if !p.HasMore || p.NextCursor == "" || len(p.Messages) == 0 {
			break
		}
		cursor = p.NextCursor
	}

	slices.SortStableFunc(out, func(a, b core.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	cl.log.Debug("history fetched", "context", c.String(), "messages", len(out))
	return out, nil
}

// FetchBlockList loads the ids of the users the current user has blocked.
func (cl *Client) FetchBlockList(ctx context.Context) ([]core.UserID, error) {
	var bl blockList
	if err := cl.get(ctx, "/api/v1/blocks", nil, &bl); err != nil {
		return nil, fmt.Errorf("fetching block list: %w", err)
	}
	out := make([]core.UserID, 0, len(bl.Users))
	for _, u := range bl.Users {
		out = append(out, core.UserID(u))
	}
	return out, nil
}

func (cl *Client) get(ctx context.Context, path string, q url.Values, data any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	u, err := url.JoinPath(cl.cfg.BaseURL, path)
	if err != nil {
		return err
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if cl.cfg.Token != nil {
		if tok := cl.cfg.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := cl.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("service error: %s", env.Error)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
