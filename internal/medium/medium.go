// Package medium defines the capability set a concrete radio/transport
// driver must expose to the rest of this repository. Mediums are a
// capability interface dispatched by Tag, not a class hierarchy: concrete
// mediums register themselves by tag and the Pcp handler picks among them
// by iterating its medium-priority list, never by virtual dispatch.
package medium

import (
	"context"
	"io"
)

// Tag identifies a concrete medium.
type Tag uint8

const (
	TagUnknown Tag = iota
	TagBluetoothClassic
	TagBLE
	TagWifiLAN
	TagWifiDirect
	TagWifiHotspot
	TagWebRTC
)

func (t Tag) String() string {
	switch t {
	case TagBluetoothClassic:
		return "BLUETOOTH_CLASSIC"
	case TagBLE:
		return "BLE"
	case TagWifiLAN:
		return "WIFI_LAN"
	case TagWifiDirect:
		return "WIFI_DIRECT"
	case TagWifiHotspot:
		return "WIFI_HOTSPOT"
	case TagWebRTC:
		return "WEB_RTC"
	default:
		return "UNKNOWN_MEDIUM"
	}
}

// RawChannel is the unframed, bidirectional byte stream a medium produces
// for one endpoint connection. EndpointChannel (package endpoint) layers
// framing, pause/resume, and encryption on top of this.
type RawChannel interface {
	io.Reader
	io.Writer
	io.Closer
}

// DiscoveredPeer is what Scan reports for one sighting of a remote
// advertiser on this medium, or the loss of a previously reported one when
// Lost is set (EndpointInfo is meaningless in that case).
type DiscoveredPeer struct {
	EndpointID   string
	EndpointInfo []byte
	ServiceID    string
	Lost         bool
}

// Medium is the capability set a concrete driver implements: Advertise,
// Scan, Connect, and Accept — the advertiser-side call that yields the
// RawChannel for an inbound Connect once Advertise is active. Out-of-band
// injected endpoints bypass Scan; any OOB metadata reaches Connect through
// its oobMetadata argument.
type Medium interface {
	Tag() Tag

	// Advertise makes this device discoverable for serviceID until ctx is
	// canceled, and arms Accept to receive inbound Connect calls.
	Advertise(ctx context.Context, serviceID string, endpointID string, endpointInfo []byte) error

	// Accept blocks until a remote Connect arrives for the endpoint this
	// Medium is currently advertising, or ctx is canceled. It is the
	// advertiser-side half of OpenChannel.
	Accept(ctx context.Context) (RawChannel, error)

	// Scan reports discovered peers on found until ctx is canceled. Scan
	// must not emit duplicate sightings for a peer it has not stopped
	// seeing; the Pcp handler (not the medium) owns the
	// "one DiscoveredEndpoint per (endpoint id, medium)" dedup policy.
	Scan(ctx context.Context, serviceID string, found chan<- DiscoveredPeer) error

	// Connect opens a RawChannel to the given endpoint. oobMetadata is the
	// caller's ConnectionOptions.OOBMetadata, nil when none was given.
	Connect(ctx context.Context, endpointID string, oobMetadata []byte) (RawChannel, error)
}
