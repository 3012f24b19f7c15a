package clock

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// TimesyncRequest is the body of POST /api/timesync.
type TimesyncRequest struct {
	ClientTime float64 `json:"clientTime"`
}

// TimesyncResponse is the reply to POST /api/timesync. T2 is stamped when
// the server receives the request and T3 just before it writes the reply.
type TimesyncResponse struct {
	ClientTime float64 `json:"clientTime"`
	T2         float64 `json:"t2"`
	T3         float64 `json:"t3"`
	RTT        float64 `json:"rtt"`
	MedianRTT  float64 `json:"medianRtt"`
}

// HTTPExchanger talks to the server's timesync endpoint.
type HTTPExchanger struct {
	URL    string
	Client *http.Client
}

// NewHTTPExchanger returns an exchanger for the timesync endpoint at url.
func NewHTTPExchanger(url string) *HTTPExchanger {
	return &HTTPExchanger{
		URL:    url,
		Client: &http.Client{Timeout: 2 * time.Second},
	}
}

// Exchange implements Exchanger.
func (h *HTTPExchanger) Exchange(ctx context.Context, t1 float64) (float64, float64, error) {
	body, err := json.Marshal(TimesyncRequest{ClientTime: t1})
	if err != nil {
		return 0, 0, errors.Wrap(err, "encoding timesync request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, errors.Wrap(err, "creating timesync request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return 0, 0, errors.Wrap(err, "posting timesync request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, 0, errors.Errorf("timesync: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	var out TimesyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, errors.Wrap(err, "decoding timesync response")
	}
	if out.T2 == 0 || out.T3 == 0 {
		return 0, 0, errors.New("timesync: incomplete response")
	}
	return out.T2, out.T3, nil
}
