package peer

import (
	"context"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"beatsync/clock"
)

// Dial connects a follower to a leader endpoint. peerID is sent as the
// "peer" query parameter so the leader can name the link.
func Dial(ctx context.Context, endpoint, peerID string, c clock.Clock, log logrus.FieldLogger) (*Link, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing leader endpoint %q", endpoint)
	}
	if peerID != "" {
		q := u.Query()
		q.Set("peer", peerID)
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing leader %s", endpoint)
	}
	return NewLink(peerID, conn, c, log), nil
}
