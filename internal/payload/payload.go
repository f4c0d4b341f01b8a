// Package payload implements the payload transfer engine: chunking
// outgoing payloads into framed DATA packets, reassembling incoming ones,
// flow and cancellation control, and progress events. It registers with
// internal/endpoint.Manager as a FrameProcessor the same way a Pcp handler
// does.
package payload

import (
	"io"
)

// Kind enumerates a payload's source type.
type Kind uint8

const (
	KindBytes Kind = iota
	KindStream
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "BYTES"
	case KindStream:
		return "STREAM"
	case KindFile:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

// Status enumerates a payload transfer's progress state.
type Status uint8

const (
	StatusInProgress Status = iota
	StatusSuccess
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Payload is an outgoing payload source: an id chosen by the sender, its
// kind, and the byte source behind that kind. TotalSize is -1 for a stream
// whose length is unknown up front.
type Payload struct {
	ID        int64
	Kind      Kind
	TotalSize int64

	bytes  []byte
	stream io.Reader
}

// NewBytesPayload wraps data as a finite in-memory payload.
func NewBytesPayload(id int64, data []byte) *Payload {
	return &Payload{ID: id, Kind: KindBytes, TotalSize: int64(len(data)), bytes: data}
}

// NewStreamPayload wraps r as a payload of unknown total size, read until
// it yields fewer bytes than one chunk.
func NewStreamPayload(id int64, r io.Reader) *Payload {
	return &Payload{ID: id, Kind: KindStream, TotalSize: -1, stream: r}
}

// NewFilePayload wraps r (typically an *os.File) as a payload of known
// size, chunked the same way a stream is.
func NewFilePayload(id int64, r io.Reader, size int64) *Payload {
	return &Payload{ID: id, Kind: KindFile, TotalSize: size, stream: r}
}

// ReceivedPayload is handed to a Listener once a receiver-side transfer
// completes. Data is populated when the reassembled payload is smaller than
// 4 MiB, whether it was reassembled in memory or in a temp file; File is set
// instead for larger ones, and that file is removed once the Payload and
// success PayloadProgress callbacks return.
type ReceivedPayload struct {
	ID    int64
	Kind  Kind
	Data  []byte
	File  string
}

// Listener receives payload delivery and progress callbacks for one
// endpoint, supplied via AcceptConnection.
type Listener interface {
	Payload(endpointID string, p *ReceivedPayload)
	PayloadProgress(endpointID string, payloadID int64, status Status, bytesTransferred, totalBytes int64)
}
