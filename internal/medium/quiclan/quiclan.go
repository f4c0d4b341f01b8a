// Package quiclan implements a concrete Wi-Fi LAN medium.Medium over QUIC,
// grounded on sockatz/common/conn.go's QUICProxyConn (the corpus's own
// quic-go Listen/Dial/AcceptStream/OpenStream usage). Where that type wraps
// an arbitrary net.PacketConn for NAT traversal, this one binds directly to
// a UDP address the way a LAN-local medium driver would.
package quiclan

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/nearbycore/connections/internal/medium"
)

// Medium is a medium.Medium backed by real QUIC sockets on the local
// network. mDNS/Bonjour-class discovery is out of scope here; peer
// discovery is instead modeled the same way loopback.Network models it:
// Advertise registers this device's dial address in a shared in-process
// Directory, and Connect/Scan consult it. A production LAN driver would
// replace Directory with real mDNS browsing; nothing above this package
// depends on how addresses are resolved.
type Medium struct {
	dir *Directory

	mu       sync.Mutex
	listener *quic.Listener
	ownAddr  string
}

// Directory is the shared namespace Advertise publishes into and
// Scan/Connect read from, analogous to loopback.Network.
type Directory struct {
	mu    sync.Mutex
	addrs map[string]string // endpointID -> "host:port"
	subs  map[string][]chan<- medium.DiscoveredPeer
	infos map[string][]byte // endpointID -> last advertised EndpointInfo
}

// NewDirectory creates an empty shared Directory.
func NewDirectory() *Directory {
	return &Directory{
		addrs: make(map[string]string),
		subs:  make(map[string][]chan<- medium.DiscoveredPeer),
		infos: make(map[string][]byte),
	}
}

// New returns a Medium publishing into dir, reporting Tag() as WIFI_LAN.
func New(dir *Directory) *Medium {
	return &Medium{dir: dir}
}

func (m *Medium) Tag() medium.Tag { return medium.TagWifiLAN }

// Advertise binds a UDP socket on an ephemeral port, starts a QUIC
// listener on it, and publishes the resulting address under endpointID.
func (m *Medium) Advertise(ctx context.Context, serviceID, endpointID string, endpointInfo []byte) error {
	tlsConf, err := generateServerTLSConfig()
	if err != nil {
		return fmt.Errorf("quiclan: tls config: %w", err)
	}
	listener, err := quic.ListenAddr("0.0.0.0:0", tlsConf, nil)
	if err != nil {
		return fmt.Errorf("quiclan: listen: %w", err)
	}

	m.mu.Lock()
	m.listener = listener
	m.ownAddr = listener.Addr().String()
	m.mu.Unlock()

	m.dir.mu.Lock()
	m.dir.addrs[endpointID] = m.ownAddr
	m.dir.infos[endpointID] = endpointInfo
	subs := append([]chan<- medium.DiscoveredPeer(nil), m.dir.subs[serviceID]...)
	m.dir.mu.Unlock()

	peer := medium.DiscoveredPeer{EndpointID: endpointID, EndpointInfo: endpointInfo, ServiceID: serviceID}
	for _, ch := range subs {
		select {
		case ch <- peer:
		default:
		}
	}

	go func() {
		<-ctx.Done()
		listener.Close()
		m.dir.mu.Lock()
		delete(m.dir.addrs, endpointID)
		delete(m.dir.infos, endpointID)
		m.dir.mu.Unlock()
	}()
	return nil
}

// Accept waits for the next inbound QUIC connection on the listener
// started by Advertise and returns its first stream as a RawChannel.
func (m *Medium) Accept(ctx context.Context) (medium.RawChannel, error) {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener == nil {
		return nil, fmt.Errorf("quiclan: Accept called before Advertise")
	}
	conn, err := listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &streamChannel{stream: stream, conn: conn}, nil
}

// Scan reports every endpointID currently advertising under serviceID, and
// keeps found subscribed to later arrivals.
func (m *Medium) Scan(ctx context.Context, serviceID string, found chan<- medium.DiscoveredPeer) error {
	m.dir.mu.Lock()
	m.dir.subs[serviceID] = append(m.dir.subs[serviceID], found)
	var existing []medium.DiscoveredPeer
	for endpointID := range m.dir.addrs {
		existing = append(existing, medium.DiscoveredPeer{
			EndpointID: endpointID, EndpointInfo: m.dir.infos[endpointID], ServiceID: serviceID,
		})
	}
	m.dir.mu.Unlock()

	for _, p := range existing {
		select {
		case found <- p:
		default:
		}
	}
	return nil
}

// Connect dials the QUIC listener endpointID published via Advertise and
// opens one stream.
func (m *Medium) Connect(ctx context.Context, endpointID string, oobMetadata []byte) (medium.RawChannel, error) {
	m.dir.mu.Lock()
	addr, ok := m.dir.addrs[endpointID]
	m.dir.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("quiclan: endpoint %q is not advertising", endpointID)
	}

	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("quiclan: dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quiclan: open stream: %w", err)
	}
	return &streamChannel{stream: stream, conn: conn}, nil
}

// streamChannel adapts a quic.Stream plus its owning quic.Connection to
// medium.RawChannel, closing the connection once the stream is closed so a
// RawChannel.Close tears down the whole QUIC session rather than leaking it.
type streamChannel struct {
	stream quic.Stream
	conn   quic.Connection
}

func (s *streamChannel) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *streamChannel) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *streamChannel) Close() error {
	err := s.stream.Close()
	s.conn.CloseWithError(0, "")
	return err
}

// generateServerTLSConfig produces an ephemeral self-signed certificate for
// the QUIC handshake. Peer identity is established above this package by
// the UKEY2/D2D layer, not by this certificate, so there is nothing to pin
// here; it exists only because QUIC requires TLS to complete a connection.
func generateServerTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"nearbycore-connections"}}, nil
}

// clientTLSConfig skips certificate verification: authentication for this
// medium happens in the UKEY2 handshake layered on top, not in QUIC's own
// TLS session.
func clientTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"nearbycore-connections"}}
}
