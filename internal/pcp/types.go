// Package pcp implements the P2P control-point handler: the
// discovery/connection state machine coordinating advertising, discovery
// with medium priority, request/accept/reject, endpoint dedup across
// mediums, and authentication-token exchange. Registry mutations run
// through a single owning goroutine driving all state transitions via a
// command channel, the same pattern used elsewhere in this codebase for
// connection state machines.
package pcp

import (
	"crypto/rand"
	"fmt"
	"sync"
)

// Strategy selects the connection topology a session negotiates under.
type Strategy uint8

const (
	StrategyP2PCluster Strategy = iota
	StrategyP2PStar
	StrategyP2PPointToPoint
)

// Status is returned by every public API method and carried in
// ConnectionListener.Rejected.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusAlreadyAdvertising
	StatusAlreadyDiscovering
	StatusEndpointIoError
	StatusEndpointUnknown
	StatusConnectionRejected
	StatusBluetoothError
	StatusBleError
	StatusWifiLanError
	StatusPayloadUnknown
	StatusOutOfOrderApiCall
	StatusNotConnectedToEndpoint
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusAlreadyAdvertising:
		return "ALREADY_ADVERTISING"
	case StatusAlreadyDiscovering:
		return "ALREADY_DISCOVERING"
	case StatusEndpointIoError:
		return "ENDPOINT_IO_ERROR"
	case StatusEndpointUnknown:
		return "ENDPOINT_UNKNOWN"
	case StatusConnectionRejected:
		return "CONNECTION_REJECTED"
	case StatusBluetoothError:
		return "BLUETOOTH_ERROR"
	case StatusBleError:
		return "BLE_ERROR"
	case StatusWifiLanError:
		return "WIFI_LAN_ERROR"
	case StatusPayloadUnknown:
		return "PAYLOAD_UNKNOWN"
	case StatusOutOfOrderApiCall:
		return "OUT_OF_ORDER_API_CALL"
	case StatusNotConnectedToEndpoint:
		return "NOT_CONNECTED_TO_ENDPOINT"
	default:
		return "ERROR"
	}
}

// ConnectionOptions configures one connection attempt or advertise/discover
// session.
type ConnectionOptions struct {
	AllowedMediums     []uint8 // medium.Tag values, priority order for this call
	Strategy           Strategy
	AutoUpgrade        bool
	KeepAliveIntervalMs int64
	KeepAliveTimeoutMs  int64
	OOBMetadata        []byte
}

// Validate enforces the non-empty-allowed-set and keep-alive-timeout-ratio
// invariants.
func (o ConnectionOptions) Validate() error {
	if len(o.AllowedMediums) == 0 {
		return fmt.Errorf("pcp: %w: allowed medium set must not be empty", ErrInvalidArgument)
	}
	if o.KeepAliveTimeoutMs > 0 && o.KeepAliveIntervalMs > 0 && o.KeepAliveTimeoutMs < 3*o.KeepAliveIntervalMs {
		return fmt.Errorf("pcp: %w: keep-alive timeout must be >= 3x interval", ErrInvalidArgument)
	}
	return nil
}

// EndpointInfo is the caller-supplied opaque descriptor advertised for this
// session (e.g. device name), and the listener pair for its lifetime.
type EndpointInfo struct {
	Bytes    []byte
	Listener ConnectionListener
}

// DiscoveredEndpoint is one (endpoint id, medium) sighting. A remote
// endpoint id seen on multiple mediums is tracked once per medium and
// deduplicated at the EndpointFound/EndpointLost boundary.
type DiscoveredEndpoint struct {
	EndpointID   string
	EndpointInfo []byte
	ServiceID    string
	MediumTag    uint8
}

// PendingState enumerates PendingConnection.State.
type PendingState uint8

const (
	PendingInitiated PendingState = iota
	PendingLocallyAccepted
	PendingRemotelyAccepted
	PendingRejected
	PendingConnected
)

// PendingConnection tracks one in-flight connection negotiation. Listener,
// when set, receives this connection's lifecycle callbacks; otherwise the
// session-wide listener installed by StartAdvertising does.
type PendingConnection struct {
	EndpointID   string
	LocalInfo    []byte
	RemoteInfo   []byte
	RawAuthToken []byte
	IsOutgoing   bool
	AutoUpgrade  bool
	State        PendingState
	Listener     ConnectionListener

	cancelMu sync.Mutex
	canceled bool
	cancelCh chan struct{}
}

func newPendingConnection(endpointID string, isOutgoing bool) *PendingConnection {
	return &PendingConnection{
		EndpointID: endpointID,
		IsOutgoing: isOutgoing,
		State:      PendingInitiated,
		cancelCh:   make(chan struct{}),
	}
}

// Cancel marks the connection's cancellation flag, honored at any
// suspension point the state machine passes through afterward.
func (p *PendingConnection) Cancel() {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	if !p.canceled {
		p.canceled = true
		close(p.cancelCh)
	}
}

// Canceled reports whether Cancel has been called.
func (p *PendingConnection) Canceled() bool {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	return p.canceled
}

// CancelCh is closed when Cancel is called.
func (p *PendingConnection) CancelCh() <-chan struct{} {
	return p.cancelCh
}

// generateAuthToken produces a random printable authentication token shown
// to both users for out-of-band confirmation before AcceptConnection.
func generateAuthToken() ([]byte, error) {
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	const alphabet = "0123456789"
	tok := make([]byte, 4)
	for i := range tok {
		tok[i] = alphabet[int(raw[i])%len(alphabet)]
	}
	return tok, nil
}
