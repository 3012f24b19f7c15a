package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func entry(text []string, v4, v6 []net.IP) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry("band-laptop", ServiceName, Domain)
	e.Port = 7070
	e.Text = text
	e.AddrIPv4 = v4
	e.AddrIPv6 = v6
	return e
}

func TestFromEntry(t *testing.T) {
	tests := []struct {
		name     string
		entry    *zeroconf.ServiceEntry
		ok       bool
		endpoint string
		session  string
	}{
		{
			name:     "ipv4",
			entry:    entry([]string{"txtv=1", "label=band", "session=s1", "path=/peer"}, []net.IP{net.ParseIP("192.168.1.20")}, nil),
			ok:       true,
			endpoint: "ws://192.168.1.20:7070/peer",
			session:  "s1",
		},
		{
			name:     "ipv6 with default path",
			entry:    entry([]string{"label=band", "junk"}, nil, []net.IP{net.ParseIP("fe80::1")}),
			ok:       true,
			endpoint: "ws://[fe80::1]:7070/peer",
		},
		{
			name:  "no address",
			entry: entry([]string{"label=band"}, nil, nil),
		},
		{
			name:  "no label",
			entry: entry([]string{"session=s1"}, []net.IP{net.ParseIP("10.0.0.1")}, nil),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, ok := fromEntry(tt.entry)
			if ok != tt.ok {
				t.Fatalf("fromEntry() ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if l.Label != "band" || l.Instance != "band-laptop" || l.SessionID != tt.session {
				t.Errorf("fromEntry() = %+v", l)
			}
			if got := l.Endpoint(); got != tt.endpoint {
				t.Errorf("Endpoint() = %q, want %q", got, tt.endpoint)
			}
		})
	}
}
