// Package loopback is an in-process reference Medium used by tests that
// exercise the connection/payload/upgrade state machines without a real
// socket. It is not grounded on a specific teacher file beyond the general
// net.Pipe-style in-memory conn idiom the corpus uses for its own tests
// (client2/arq_test.go runs entirely against in-process fakes).
package loopback

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/nearbycore/connections/internal/medium"
)

// Network is a shared namespace that several Loopback mediums advertise
// into and scan from, modeling one shared radio "air".
type Network struct {
	mu          sync.Mutex
	advertisers map[string]*advertiser // endpointID -> advertiser
	subscribers map[string][]chan<- medium.DiscoveredPeer
}

type advertiser struct {
	serviceID    string
	endpointInfo []byte
	incoming     chan net.Conn
}

// NewNetwork creates an empty shared loopback network.
func NewNetwork() *Network {
	return &Network{
		advertisers: make(map[string]*advertiser),
		subscribers: make(map[string][]chan<- medium.DiscoveredPeer),
	}
}

// Medium is a Medium implementation backed by a shared Network.
type Medium struct {
	net *Network
	tag medium.Tag

	mu  sync.Mutex
	own *advertiser // set by Advertise, used by Accept
}

// New returns a Medium bound to net, reporting Tag() as WIFI_LAN.
func New(net *Network) *Medium {
	return &Medium{net: net, tag: medium.TagWifiLAN}
}

// NewTagged returns a Medium bound to net reporting tag as its capability
// tag, letting a test stand up two distinct "mediums" (e.g. a low-bandwidth
// one and a bandwidth-upgrade target) over separate in-process Networks.
func NewTagged(net *Network, tag medium.Tag) *Medium {
	return &Medium{net: net, tag: tag}
}

func (m *Medium) Tag() medium.Tag { return m.tag }

func (m *Medium) Advertise(ctx context.Context, serviceID, endpointID string, endpointInfo []byte) error {
	adv := &advertiser{serviceID: serviceID, endpointInfo: endpointInfo, incoming: make(chan net.Conn, 8)}

	m.net.mu.Lock()
	m.net.advertisers[endpointID] = adv
	subs := append([]chan<- medium.DiscoveredPeer(nil), m.net.subscribers[serviceID]...)
	m.net.mu.Unlock()

	m.mu.Lock()
	m.own = adv
	m.mu.Unlock()

	peer := medium.DiscoveredPeer{EndpointID: endpointID, EndpointInfo: endpointInfo, ServiceID: serviceID}
	broadcast(subs, peer)

	go func() {
		<-ctx.Done()
		m.net.mu.Lock()
		delete(m.net.advertisers, endpointID)
		lostSubs := append([]chan<- medium.DiscoveredPeer(nil), m.net.subscribers[serviceID]...)
		m.net.mu.Unlock()
		broadcast(lostSubs, medium.DiscoveredPeer{EndpointID: endpointID, ServiceID: serviceID, Lost: true})
		close(adv.incoming)
	}()
	return nil
}

func broadcast(subs []chan<- medium.DiscoveredPeer, peer medium.DiscoveredPeer) {
	for _, ch := range subs {
		select {
		case ch <- peer:
		default:
		}
	}
}

// Accept blocks until a remote Connect dials the endpoint id this Medium
// last advertised.
func (m *Medium) Accept(ctx context.Context) (medium.RawChannel, error) {
	m.mu.Lock()
	adv := m.own
	m.mu.Unlock()
	if adv == nil {
		return nil, fmt.Errorf("loopback: Accept called before Advertise")
	}
	select {
	case conn, ok := <-adv.incoming:
		if !ok {
			return nil, io.EOF
		}
		return pipeChannel{Conn: conn}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Medium) Scan(ctx context.Context, serviceID string, found chan<- medium.DiscoveredPeer) error {
	m.net.mu.Lock()
	m.net.subscribers[serviceID] = append(m.net.subscribers[serviceID], found)
	var existing []medium.DiscoveredPeer
	for endpointID, a := range m.net.advertisers {
		if a.serviceID == serviceID {
			existing = append(existing, medium.DiscoveredPeer{
				EndpointID: endpointID, EndpointInfo: a.endpointInfo, ServiceID: serviceID,
			})
		}
	}
	m.net.mu.Unlock()

	for _, p := range existing {
		select {
		case found <- p:
		default:
		}
	}
	return nil
}

// Connect dials endpointID by opening an in-memory net.Pipe and handing one
// end to the advertiser's Accept call.
func (m *Medium) Connect(ctx context.Context, endpointID string, oobMetadata []byte) (medium.RawChannel, error) {
	m.net.mu.Lock()
	adv, ok := m.net.advertisers[endpointID]
	m.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loopback: endpoint %q is not advertising", endpointID)
	}

	a, b := net.Pipe()
	select {
	case adv.incoming <- b:
		return pipeChannel{Conn: a}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pipeChannel struct {
	net.Conn
}
