package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
)

func TestEntryFromService(t *testing.T) {
	tests := []struct {
		name  string
		in    *mdns.ServiceEntry
		ok    bool
		want  Entry
		wsURL string
	}{
		{name: "nil", in: nil},
		{name: "no ipv4", in: &mdns.ServiceEntry{Port: 3001}},
		{name: "no port", in: &mdns.ServiceEntry{AddrV4: net.IPv4(10, 0, 0, 2)}},
		{
			name: "full record",
			in: &mdns.ServiceEntry{
				Name:       "studio._collabcanvas._tcp.local.",
				Host:       "studio.local.",
				AddrV4:     net.IPv4(10, 0, 0, 2),
				Port:       3001,
				InfoFields: []string{"path=/ws", "app=collab-canvas"},
			},
			ok:    true,
			want:  Entry{Instance: "studio", Host: "studio.local", Addr: "10.0.0.2", Port: 3001, Path: "/ws"},
			wsURL: "ws://10.0.0.2:3001/ws",
		},
		{
			name:  "no path field",
			in:    &mdns.ServiceEntry{Name: "box", AddrV4: net.IPv4(192, 168, 1, 9), Port: 8080},
			ok:    true,
			want:  Entry{Instance: "box", Addr: "192.168.1.9", Port: 8080},
			wsURL: "ws://192.168.1.9:8080/ws",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := entryFromService(tt.in)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wsURL, got.URL())
		})
	}
}

func TestAdvertiserShutdownNil(t *testing.T) {
	var a *Advertiser
	assert.NoError(t, a.Shutdown())
}
