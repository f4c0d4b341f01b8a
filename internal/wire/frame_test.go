package wire

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	frames := []*OfflineFrame{
		{
			Kind: KindConnectionRequest,
			ConnectionRequest: &ConnectionRequestFrame{
				EndpointID:          "ABCD",
				EndpointInfo:        []byte("device-name"),
				Nonce:               42,
				SupportedMediums:    []string{"WIFI_LAN", "BLE"},
				KeepAliveIntervalMs: 5000,
				KeepAliveTimeoutMs:  30000,
			},
		},
		{
			Kind:               KindConnectionResponse,
			ConnectionResponse: &ConnectionResponseFrame{Status: 0},
		},
		{
			Kind: KindPayloadTransfer,
			PayloadTransfer: &PayloadTransferFrame{
				Header: PayloadHeader{ID: 7, Kind: PayloadKindBytes, TotalSize: 4},
				Chunk:  &PayloadChunk{Offset: 0, Body: []byte{0xDE, 0xAD, 0xBE, 0xEF}, Last: true},
			},
		},
		{
			Kind: KindPayloadTransfer,
			PayloadTransfer: &PayloadTransferFrame{
				Header:  PayloadHeader{ID: 7, Kind: PayloadKindStream, TotalSize: -1},
				Control: &ControlMessage{Offset: 128, Event: ControlEventCanceled},
			},
		},
		{Kind: KindKeepAlive, KeepAlive: &KeepAliveFrame{}},
		{Kind: KindDisconnection, Disconnection: &DisconnectionFrame{}},
		{
			Kind: KindBandwidthUpgradeNegotiation,
			BandwidthUpgrade: &BandwidthUpgradeNegotiationFrame{
				EventType:             BandwidthUpgradePathAvailable,
				MediumSpecificPayload: []byte("ssid:pass:10.0.0.1:443"),
			},
		},
	}

	for _, f := range frames {
		b, err := Encode(f)
		require.NoError(t, err, f.Kind.String())

		got, err := Decode(b)
		require.NoError(t, err, f.Kind.String())
		require.Equal(t, f.Kind, got.Kind)
		require.EqualValues(t, Version, got.Version)
	}
}

func TestDecodePreservesChunkBytes(t *testing.T) {
	body := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	b, err := Encode(&OfflineFrame{
		Kind: KindPayloadTransfer,
		PayloadTransfer: &PayloadTransferFrame{
			Header: PayloadHeader{ID: 1, Kind: PayloadKindBytes, TotalSize: int64(len(body))},
			Chunk:  &PayloadChunk{Body: body, Last: true},
		},
	})
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, body, got.PayloadTransfer.Chunk.Body)
	require.True(t, got.PayloadTransfer.Chunk.Last)
}

func TestDecodeLengthMismatch(t *testing.T) {
	b, err := Encode(&OfflineFrame{Kind: KindKeepAlive, KeepAlive: &KeepAliveFrame{}})
	require.NoError(t, err)

	// Corrupt the prefix so it no longer matches the body length.
	binary.BigEndian.PutUint32(b[:4], uint32(len(b)))
	_, err = Decode(b)
	require.ErrorIs(t, err, ErrInvalidWireFormat)

	_, err = Decode(b[:3])
	require.ErrorIs(t, err, ErrInvalidWireFormat)
}

func TestDecodeMissingSubMessage(t *testing.T) {
	// A frame whose Kind promises a sub-message it does not carry.
	b, err := Encode(&OfflineFrame{Kind: KindConnectionRequest})
	require.NoError(t, err)
	_, err = Decode(b)
	require.ErrorIs(t, err, ErrInvalidWireFormat)

	b, err = Encode(&OfflineFrame{
		Kind:            KindPayloadTransfer,
		PayloadTransfer: &PayloadTransferFrame{Header: PayloadHeader{ID: 1}},
	})
	require.NoError(t, err)
	_, err = Decode(b)
	require.ErrorIs(t, err, ErrInvalidWireFormat)
}

func TestDecodeUnknownKind(t *testing.T) {
	b, err := Encode(&OfflineFrame{Kind: Kind(200), KeepAlive: &KeepAliveFrame{}})
	require.NoError(t, err)
	_, err = Decode(b)
	require.ErrorIs(t, err, ErrInvalidWireFormat)
}

func TestDecodeGarbageBody(t *testing.T) {
	garbage := []byte{0, 0, 0, 4, 0xFF, 0xFE, 0xFD, 0xFC}
	_, err := Decode(garbage)
	require.ErrorIs(t, err, ErrInvalidWireFormat)
}

func TestReadFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sent, err := Encode(&OfflineFrame{Kind: KindKeepAlive, KeepAlive: &KeepAliveFrame{}})
	require.NoError(t, err)

	go func() {
		a.Write(sent)
		a.Close()
	}()

	got, err := ReadFrame(b)
	require.NoError(t, err)
	require.Equal(t, sent, got)

	// A cleanly closed stream reports EOF before the next frame starts.
	_, err = ReadFrame(b)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
		a.Write(prefix[:])
	}()

	_, err := ReadFrame(b)
	require.ErrorIs(t, err, ErrInvalidWireFormat)
}
