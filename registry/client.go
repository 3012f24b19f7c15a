package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Client talks to the registry's HTTP surface at /api/leaders.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the server at base (scheme://host[:port]).
func NewClient(base string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(base, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, c.BaseURL+"/api/leaders", req, &s)
	return s, err
}

func (c *Client) List(ctx context.Context) ([]Session, error) {
	var ss []Session
	err := c.do(ctx, http.MethodGet, c.BaseURL+"/api/leaders", nil, &ss)
	return ss, err
}

// Get looks a session up by label or ID.
func (c *Client) Get(ctx context.Context, key string) (Session, error) {
	var s Session
	u := c.BaseURL + "/api/leaders?label=" + url.QueryEscape(key)
	err := c.do(ctx, http.MethodGet, u, nil, &s)
	return s, err
}

func (c *Client) Update(ctx context.Context, req UpdateRequest) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPut, c.BaseURL+"/api/leaders", req, &s)
	return s, err
}

func (c *Client) do(ctx context.Context, method, u string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, u)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return errors.Wrap(StatusError(resp.StatusCode), e.Error)
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decoding response")
}

// StatusError maps an HTTP status to the matching typed failure.
func StatusError(code int) error {
	switch code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusBadRequest:
		return ErrInvalidArgument
	default:
		return errors.Errorf("unexpected status %d", code)
	}
}
