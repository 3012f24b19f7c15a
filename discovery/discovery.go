// Package discovery advertises leaders on the local network over mDNS and
// finds them again, so followers on the same LAN can join without a relay.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	ServiceName = "_beatsync._tcp"
	Domain      = "local."
)

// Leader is one advertised leader.
type Leader struct {
	Instance  string
	Label     string
	SessionID string
	Path      string
	Host      string
	Port      int
}

// Endpoint is the websocket URL followers dial.
func (l Leader) Endpoint() string {
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(l.Host, strconv.Itoa(l.Port)), l.Path)
}

// Advertisement is a registered mDNS service; Shutdown withdraws it.
type Advertisement struct {
	server *zeroconf.Server
}

func (a *Advertisement) Shutdown() { a.server.Shutdown() }

// Advertise registers the leader for label on port. path is the websocket
// path followers connect to.
func Advertise(label, sessionID, path string, port int, log logrus.FieldLogger) (*Advertisement, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "beatsync"
	}
	instance := fmt.Sprintf("%s-%s", label, host)
	txt := []string{
		"txtv=1",
		"label=" + label,
		"session=" + sessionID,
		"path=" + path,
	}
	server, err := zeroconf.Register(instance, ServiceName, Domain, port, txt, nil)
	if err != nil {
		return nil, errors.Wrap(err, "registering mDNS service")
	}
	if log != nil {
		log.WithFields(logrus.Fields{"service": ServiceName, "instance": instance, "port": port}).Info("mDNS service registered")
	}
	return &Advertisement{server: server}, nil
}

// Browse collects advertised leaders until ctx is done.
func Browse(ctx context.Context, log logrus.FieldLogger) ([]Leader, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errors.Wrap(err, "initializing mDNS resolver")
	}
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Leader, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		var found []Leader
		for entry := range results {
			l, ok := fromEntry(entry)
			if !ok {
				continue
			}
			if log != nil {
				log.WithFields(logrus.Fields{"label": l.Label, "endpoint": l.Endpoint()}).Info("mDNS discovered leader")
			}
			found = append(found, l)
		}
		done <- found
	}(entries)

	if err := resolver.Browse(ctx, ServiceName, Domain, entries); err != nil {
		return nil, errors.Wrap(err, "browsing for mDNS services")
	}
	<-ctx.Done()
	return <-done, nil
}

// Find browses until a leader advertising label appears or ctx is done.
func Find(ctx context.Context, label string, log logrus.FieldLogger) (Leader, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Leader{}, errors.Wrap(err, "initializing mDNS resolver")
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceName, Domain, entries); err != nil {
		return Leader{}, errors.Wrap(err, "browsing for mDNS services")
	}
	for {
		select {
		case <-ctx.Done():
			return Leader{}, errors.Wrapf(ctx.Err(), "no leader %q on the local network", label)
		case entry, ok := <-entries:
			if !ok {
				return Leader{}, errors.Errorf("no leader %q on the local network", label)
			}
			if l, ok := fromEntry(entry); ok && (l.Label == label || l.SessionID == label) {
				if log != nil {
					log.WithFields(logrus.Fields{"label": l.Label, "endpoint": l.Endpoint()}).Info("mDNS found leader")
				}
				return l, nil
			}
		}
	}
}

func fromEntry(e *zeroconf.ServiceEntry) (Leader, bool) {
	l := Leader{Instance: e.Instance, Port: e.Port, Path: "/peer"}
	for _, kv := range e.Text {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "label":
			l.Label = v
		case "session":
			l.SessionID = v
		case "path":
			l.Path = v
		}
	}
	switch {
	case len(e.AddrIPv4) > 0:
		l.Host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		l.Host = e.AddrIPv6[0].String()
	default:
		return Leader{}, false
	}
	return l, l.Label != ""
}
