// Package wire implements the length-prefixed offline-frame envelope: a
// 4-byte big-endian length prefix followed by a CBOR-encoded V1
// OfflineFrame, the same tagged-envelope approach used elsewhere in this
// codebase for plugin wire protocols.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Version identifies the offline-frame wire format. Only V1 is defined.
const Version = 1

// MaxFrameSize bounds a single frame's encoded body, guarding the reader
// against a corrupt or hostile length prefix demanding an unreasonable
// allocation.
const MaxFrameSize = 32 * 1024 * 1024

// ErrInvalidWireFormat is returned by Decode on length mismatch, unknown
// version, or a missing required sub-message.
var ErrInvalidWireFormat = errors.New("wire: invalid wire format")

// Kind identifies which OfflineFrame variant is populated.
type Kind uint8

const (
	KindConnectionRequest Kind = iota + 1
	KindConnectionResponse
	KindPayloadTransfer
	KindKeepAlive
	KindDisconnection
	KindBandwidthUpgradeNegotiation
	KindPairedKeyExchange
)

func (k Kind) String() string {
	switch k {
	case KindConnectionRequest:
		return "CONNECTION_REQUEST"
	case KindConnectionResponse:
		return "CONNECTION_RESPONSE"
	case KindPayloadTransfer:
		return "PAYLOAD_TRANSFER"
	case KindKeepAlive:
		return "KEEP_ALIVE"
	case KindDisconnection:
		return "DISCONNECTION"
	case KindBandwidthUpgradeNegotiation:
		return "BANDWIDTH_UPGRADE_NEGOTIATION"
	case KindPairedKeyExchange:
		return "PAIRED_KEY_EXCHANGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// OfflineFrame is the V1 envelope. Exactly one of the pointer fields is
// populated, selected by Kind.
type OfflineFrame struct {
	Version uint8
	Kind    Kind

	ConnectionRequest  *ConnectionRequestFrame  `cbor:",omitempty"`
	ConnectionResponse *ConnectionResponseFrame `cbor:",omitempty"`
	PayloadTransfer    *PayloadTransferFrame    `cbor:",omitempty"`
	KeepAlive          *KeepAliveFrame          `cbor:",omitempty"`
	Disconnection      *DisconnectionFrame      `cbor:",omitempty"`
	BandwidthUpgrade   *BandwidthUpgradeNegotiationFrame `cbor:",omitempty"`
	PairedKeyExchange  cbor.RawMessage          `cbor:",omitempty"`

	// Extra is an opaque extension slot: a newer peer may stash additional
	// data here and an older build re-encodes it verbatim instead of
	// dropping it.
	Extra cbor.RawMessage `cbor:",omitempty"`
}

// ConnectionRequestFrame carries the initiator's identity and capabilities.
type ConnectionRequestFrame struct {
	EndpointID          string // 4-byte printable ASCII
	EndpointInfo        []byte
	Nonce               int32
	SupportedMediums    []string
	KeepAliveIntervalMs int64
	KeepAliveTimeoutMs  int64
}

// ConnectionResponseFrame carries the remote accept/reject decision.
type ConnectionResponseFrame struct {
	Status                  int32
	OstensibleEndpointInfo  []byte `cbor:",omitempty"`
}

// PayloadTransferFrame carries either a data chunk or a control event (spec
// §4.6). Exactly one of Chunk/Control is populated.
type PayloadTransferFrame struct {
	Header  PayloadHeader
	Chunk   *PayloadChunk   `cbor:",omitempty"`
	Control *ControlMessage `cbor:",omitempty"`
}

// PayloadHeader identifies a payload and, for finite payloads, its size.
type PayloadHeader struct {
	ID        int64
	Kind      PayloadKind
	TotalSize int64 // -1 if unknown/stream
}

// PayloadKind enumerates payload source types.
type PayloadKind uint8

const (
	PayloadKindBytes PayloadKind = iota
	PayloadKindStream
	PayloadKindFile
)

// PayloadChunk is a DATA frame body.
type PayloadChunk struct {
	Offset int64
	Body   []byte
	Last   bool
}

// ControlEvent enumerates PAYLOAD_TRANSFER control events.
type ControlEvent uint8

const (
	ControlEventCanceled ControlEvent = iota
	ControlEventReceivedAck
)

// ControlMessage is a CONTROL frame body.
type ControlMessage struct {
	Offset int64
	Event  ControlEvent
}

// KeepAliveFrame has no payload.
type KeepAliveFrame struct{}

// DisconnectionFrame has no payload.
type DisconnectionFrame struct{}

// BandwidthUpgradeEventType enumerates the upgrade sub-protocol's messages.
type BandwidthUpgradeEventType uint8

const (
	BandwidthUpgradePathAvailable BandwidthUpgradeEventType = iota
	BandwidthUpgradeLastWriteToPriorChannel
	BandwidthUpgradeSafeToClosePriorChannel
	BandwidthUpgradeClientIntroduction
	BandwidthUpgradeClientIntroductionAck
)

// BandwidthUpgradeNegotiationFrame carries one step of the upgrade handshake.
type BandwidthUpgradeNegotiationFrame struct {
	EventType           BandwidthUpgradeEventType
	MediumSpecificPayload []byte
}

var tagSet = cbor.NewTagSet()

func init() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(tagSet.Add(cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired}, reflect.TypeOf(OfflineFrame{}), 41001))
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.EncOptions{}.EncModeWithTags(tagSet)
	if err != nil {
		panic(err)
	}
	encMode = em

	dm, err := cbor.DecOptions{}.DecModeWithTags(tagSet)
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Encode serializes frame as a length-prefixed wire message: a 4-byte
// big-endian length followed by the CBOR-encoded OfflineFrame.
func Encode(frame *OfflineFrame) ([]byte, error) {
	frame.Version = Version
	body, err := encMode.Marshal(frame)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// Decode parses a length-prefixed wire message previously produced by
// Encode. It returns ErrInvalidWireFormat on length mismatch, unknown
// version, or a missing required sub-message.
func Decode(b []byte) (*OfflineFrame, error) {
	if len(b) < 4 {
		return nil, ErrInvalidWireFormat
	}
	n := binary.BigEndian.Uint32(b[:4])
	if int(n) != len(b)-4 {
		return nil, ErrInvalidWireFormat
	}
	frame := &OfflineFrame{}
	if err := decMode.Unmarshal(b[4:], frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWireFormat, err)
	}
	if frame.Version != Version {
		return nil, ErrInvalidWireFormat
	}
	if err := validateKind(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func validateKind(f *OfflineFrame) error {
	switch f.Kind {
	case KindConnectionRequest:
		if f.ConnectionRequest == nil {
			return ErrInvalidWireFormat
		}
	case KindConnectionResponse:
		if f.ConnectionResponse == nil {
			return ErrInvalidWireFormat
		}
	case KindPayloadTransfer:
		if f.PayloadTransfer == nil {
			return ErrInvalidWireFormat
		}
		if f.PayloadTransfer.Chunk == nil && f.PayloadTransfer.Control == nil {
			return ErrInvalidWireFormat
		}
	case KindKeepAlive:
		if f.KeepAlive == nil {
			return ErrInvalidWireFormat
		}
	case KindDisconnection:
		if f.Disconnection == nil {
			return ErrInvalidWireFormat
		}
	case KindBandwidthUpgradeNegotiation:
		if f.BandwidthUpgrade == nil {
			return ErrInvalidWireFormat
		}
	case KindPairedKeyExchange:
		// Routed, not interpreted; no required sub-message to validate.
	default:
		return ErrInvalidWireFormat
	}
	return nil
}

// ReadFrame reads one length-prefixed message from r: a 4-byte big-endian
// length followed by exactly that many bytes. It returns io.EOF if r is
// closed cleanly before any bytes of a new frame are read.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrInvalidWireFormat
	}
	body := make([]byte, 4+n)
	copy(body, lenBuf[:])
	if _, err := io.ReadFull(r, body[4:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}
