// Package discovery announces the relay on the local network over mDNS and
// finds relays announced by other hosts.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog/log"
)

const (
	ServiceType   = "_collabcanvas._tcp"
	DefaultBrowse = 3 * time.Second
)

// Entry is a relay found on the local network.
type Entry struct {
	Instance string
	Host     string
	Addr     string
	Port     int
	Path     string
}

// URL is the websocket address of the relay.
func (e Entry) URL() string {
	path := e.Path
	if path == "" {
		path = "/ws"
	}
	return "ws://" + net.JoinHostPort(e.Addr, strconv.Itoa(e.Port)) + path
}

// Advertiser keeps an mDNS responder alive until Shutdown.
type Advertiser struct {
	server *mdns.Server
}

// Advertise answers mDNS queries for ServiceType on port. An empty
// instance uses the hostname.
func Advertise(instance string, port int) (*Advertiser, error) {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
		instance = host
	}

	service, err := mdns.NewMDNSService(
		instance,
		ServiceType,
		"",
		"",
		port,
		nil,
		[]string{"path=/ws", "app=collab-canvas"},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}

	log.Info().Str("instance", instance).Int("port", port).Msg("advertising over mDNS")
	return &Advertiser{server: server}, nil
}

// Shutdown stops answering queries.
func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// Browse queries the network for relays until timeout or ctx ends,
// whichever is first.
func Browse(ctx context.Context, timeout time.Duration) ([]Entry, error) {
	if timeout <= 0 {
		timeout = DefaultBrowse
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	found := make(chan []Entry, 1)
	go func() {
		var out []Entry
		seen := make(map[string]bool)
		for se := range entries {
			e, ok := entryFromService(se)
			if !ok {
				continue
			}
			key := e.Addr + ":" + strconv.Itoa(e.Port)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
		found <- out
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:     ServiceType,
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	})
	close(entries)
	out := <-found
	if err != nil {
		return out, fmt.Errorf("mDNS query: %w", err)
	}
	return out, ctx.Err()
}

func entryFromService(se *mdns.ServiceEntry) (Entry, bool) {
	if se == nil || se.AddrV4 == nil || se.Port == 0 {
		return Entry{}, false
	}
	e := Entry{
		Instance: instanceName(se.Name),
		Host:     strings.TrimSuffix(se.Host, "."),
		Addr:     se.AddrV4.String(),
		Port:     se.Port,
	}
	for _, field := range se.InfoFields {
		if k, v, ok := strings.Cut(field, "="); ok && k == "path" {
			e.Path = v
		}
	}
	return e, true
}

// instanceName strips the service and domain labels from a full record
// name like "studio._collabcanvas._tcp.local.".
func instanceName(name string) string {
	if i := strings.Index(name, "."+ServiceType); i >= 0 {
		return name[:i]
	}
	return strings.TrimSuffix(name, ".")
}
