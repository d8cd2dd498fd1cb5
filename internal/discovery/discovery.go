// Package discovery advertises relays on the local network over mDNS and
// finds them again, so peers on one LAN can join without typing an
// address.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service relays register under.
	ServiceType = "_codewithme._tcp"
	// Domain is the mDNS browsing domain.
	Domain = "local."

	roomKey = "room="
)

// Relay is a relay found on the network.
type Relay struct {
	Instance string
	Endpoint string
	Room     string
}

// Advertisement keeps a relay registered until Shutdown.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers a relay listening on port. room is announced as the
// default room to join.
func Advertise(instance string, port int, room string) (*Advertisement, error) {
	if port <= 0 {
		return nil, fmt.Errorf("cannot advertise port %d", port)
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, []string{"v=1", roomKey + room}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

// Browse collects relays until ctx is done. Cancellation is the normal
// way to end a browse and is not reported as an error.
func Browse(ctx context.Context) ([]Relay, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	found := make(map[string]Relay)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if r, ok := relayFromEntry(entry); ok {
					found[r.Instance] = r
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for relays: %w", err)
	}
	<-ctx.Done()
	<-done

	relays := make([]Relay, 0, len(found))
	for _, r := range found {
		relays = append(relays, r)
	}
	sort.Slice(relays, func(i, j int) bool { return relays[i].Instance < relays[j].Instance })
	return relays, nil
}

func relayFromEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	if entry == nil || entry.Port <= 0 {
		return Relay{}, false
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return Relay{}, false
	}

	r := Relay{
		Instance: entry.Instance,
		Endpoint: "ws://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
	}
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, roomKey) {
			r.Room = strings.TrimPrefix(txt, roomKey)
		}
	}
	return r, true
}
