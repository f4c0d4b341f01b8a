// Package endpoint implements Channel and Manager: the framed,
// optionally-encrypted byte stream to one remote endpoint, and the registry
// of channels plus their reader/keep-alive loops.
package endpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nearbycore/connections/internal/crypto"
	"github.com/nearbycore/connections/internal/medium"
	"github.com/nearbycore/connections/internal/wire"
)

// ErrChannelClosed is returned by Read/Write/WriteFrame after Close.
var ErrChannelClosed = errors.New("endpoint: channel closed")

// ErrPaused is returned by WriteFrame while the channel is paused.
var ErrPaused = errors.New("endpoint: channel paused")

// Channel wraps a medium.RawChannel with offline-frame encoding, an
// optional D2D-encrypted envelope installed once the UKEY2 handshake
// completes, and pause/resume for the bandwidth-upgrade swap protocol.
type Channel struct {
	EndpointID string
	Tag        medium.Tag

	mu          sync.Mutex
	raw         medium.RawChannel
	closed      bool
	paused      bool
	lastReadAt  time.Time
	writeSeq    uint64
	readSeq     uint64
	signcryptOut *crypto.Signcryptor
	signcryptIn  *crypto.Signcryptor
}

// New wraps raw as an unencrypted Channel for endpointID on the given
// medium tag. Call EnableEncryption once a D2DContext is available.
func New(endpointID string, tag medium.Tag, raw medium.RawChannel) *Channel {
	return &Channel{
		EndpointID: endpointID,
		Tag:        tag,
		raw:        raw,
		lastReadAt: time.Now(),
	}
}

// EnableEncryption installs per-direction signcryption contexts derived
// from a completed UKEY2 handshake. outbound/inbound select which
// direction's keys this side writes with vs. reads with: the initiator
// writes with ClientToServerKey and reads with ServerToClientKey; the
// responder is the mirror image.
func (c *Channel) EnableEncryption(outbound, inbound crypto.SigncryptKeys) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signcryptOut = crypto.NewSigncryptor(outbound)
	c.signcryptIn = crypto.NewSigncryptor(inbound)
}

// Pause stops WriteFrame from sending, used while a bandwidth upgrade swap
// is in flight to avoid interleaving writes across the old and new medium.
func (c *Channel) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume undoes Pause.
func (c *Channel) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// LastReadAt reports when a frame (or keep-alive) was last read from this
// channel, used by Manager's keep-alive loop to decide whether to send one.
func (c *Channel) LastReadAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReadAt
}

// WriteFrame encodes and writes one OfflineFrame, signcrypting it first if
// encryption has been enabled.
func (c *Channel) WriteFrame(f *wire.OfflineFrame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.paused {
		c.mu.Unlock()
		return ErrPaused
	}
	raw := c.raw
	signcryptor := c.signcryptOut
	seq := c.writeSeq
	c.writeSeq++
	c.mu.Unlock()

	body, err := wire.Encode(f)
	if err != nil {
		return err
	}
	if signcryptor != nil {
		msg, err := signcryptor.Seal(body, seq)
		if err != nil {
			return err
		}
		body = marshalSigncrypted(msg)
	}
	_, err = raw.Write(body)
	return err
}

// ReadFrame blocks until the next OfflineFrame arrives, decrypting it first
// if encryption has been enabled.
func (c *Channel) ReadFrame() (*wire.OfflineFrame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	raw := c.raw
	signcryptor := c.signcryptIn
	seq := c.readSeq
	c.mu.Unlock()

	body, err := wire.ReadFrame(raw)
	if err != nil {
		return nil, err
	}
	if signcryptor != nil {
		msg, err := unmarshalSigncrypted(body)
		if err != nil {
			return nil, err
		}
		plain, err := signcryptor.Open(msg, seq)
		if err != nil {
			return nil, err
		}
		body = plain
	}

	frame, err := wire.Decode(body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastReadAt = time.Now()
	if signcryptor != nil {
		c.readSeq++
	}
	c.mu.Unlock()

	return frame, nil
}

// Close closes the underlying raw channel and wipes signcryption key
// material. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	out, in := c.signcryptOut, c.signcryptIn
	raw := c.raw
	c.mu.Unlock()

	if out != nil {
		out.Destroy()
	}
	if in != nil {
		in.Destroy()
	}
	return raw.Close()
}

// marshalSigncrypted wraps msg as one length-prefixed wire message
// (IV || tag || ciphertext), so the peer's ReadFrame sees the same outer
// framing whether or not encryption is enabled.
func marshalSigncrypted(msg *crypto.SigncryptedMessage) []byte {
	n := aesBlockSize + 32 + len(msg.Ciphertext)
	out := make([]byte, 4, 4+n)
	binary.BigEndian.PutUint32(out[:4], uint32(n))
	out = append(out, msg.IV[:]...)
	out = append(out, msg.Tag[:]...)
	out = append(out, msg.Ciphertext...)
	return out
}

const aesBlockSize = 16

// unmarshalSigncrypted parses a buffer produced by wire.ReadFrame (length
// prefix still attached) back into a SigncryptedMessage.
func unmarshalSigncrypted(b []byte) (*crypto.SigncryptedMessage, error) {
	if len(b) < 4+aesBlockSize+32 {
		return nil, fmt.Errorf("endpoint: %w: signcrypted frame too short", wire.ErrInvalidWireFormat)
	}
	b = b[4:]
	msg := &crypto.SigncryptedMessage{}
	copy(msg.IV[:], b[:aesBlockSize])
	copy(msg.Tag[:], b[aesBlockSize:aesBlockSize+32])
	msg.Ciphertext = append([]byte{}, b[aesBlockSize+32:]...)
	return msg, nil
}
