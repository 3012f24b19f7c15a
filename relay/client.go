package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

// ErrNoDescriptor is returned by Await when the slot stays empty through
// every retry.
var ErrNoDescriptor = errors.New("no descriptor posted")

// PostBody is the JSON body of POST /api/signal.
type PostBody struct {
	Type    Kind            `json:"type"`
	Label   string          `json:"label"`
	Payload json.RawMessage `json:"payload"`
}

// GetBody is the JSON response of GET /api/signal.
type GetBody struct {
	Payload json.RawMessage `json:"payload"`
}

// Client talks to the relay's HTTP surface at /api/signal.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// Await polling: exponential from PollInterval up to MaxPollInterval,
	// at most MaxPolls retries.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxPolls        uint64
}

func NewClient(base string) *Client {
	return &Client{
		BaseURL:         strings.TrimRight(base, "/"),
		HTTP:            &http.Client{Timeout: 5 * time.Second},
		PollInterval:    250 * time.Millisecond,
		MaxPollInterval: 2 * time.Second,
		MaxPolls:        60,
	}
}

// Post marshals v and stores it in the kind slot for label.
func (c *Client) Post(ctx context.Context, kind Kind, label string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding descriptor")
	}
	body, err := json.Marshal(PostBody{Type: kind, Label: label, Payload: payload})
	if err != nil {
		return errors.Wrap(err, "encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/signal", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "posting %s", kind)
	}
	defer resp.Body.Close()
	return statusErr(resp)
}

// Get decodes the kind slot for label into v. It reports false when the
// slot is empty.
func (c *Client) Get(ctx context.Context, kind Kind, label string, v interface{}) (bool, error) {
	q := url.Values{"type": {string(kind)}, "label": {label}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/signal?"+q.Encode(), nil)
	if err != nil {
		return false, errors.Wrap(err, "building request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, errors.Wrapf(err, "fetching %s", kind)
	}
	defer resp.Body.Close()
	if err := statusErr(resp); err != nil {
		return false, err
	}
	var out GetBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, errors.Wrap(err, "decoding response")
	}
	if isEmpty(out.Payload) {
		return false, nil
	}
	return true, errors.Wrap(json.Unmarshal(out.Payload, v), "decoding descriptor")
}

// Await polls the kind slot for label with exponential backoff until a
// descriptor appears, the retries run out or ctx is done.
func (c *Client) Await(ctx context.Context, kind Kind, label string, v interface{}) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.PollInterval
	b.MaxInterval = c.MaxPollInterval
	b.MaxElapsedTime = 0

	op := func() error {
		ok, err := c.Get(ctx, kind, label, v)
		if errors.Is(err, ErrInvalidArgument) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrNoDescriptor, "%s for %s", kind, label)
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, c.MaxPolls), ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func statusErr(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&e)
	if e.Error == "" {
		e.Error = resp.Status
	}
	if resp.StatusCode == http.StatusBadRequest {
		return errors.Wrap(ErrInvalidArgument, e.Error)
	}
	return errors.Errorf("relay: %s (status %d)", e.Error, resp.StatusCode)
}
