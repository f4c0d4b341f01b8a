// Package upgrade implements the bandwidth-upgrade sub-state machine (spec
// §4.7): negotiating a higher-bandwidth medium once a connection is stable
// and atomically swapping the endpoint channel onto it without dropping
// in-flight payloads.
package upgrade

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/cipher"
	"github.com/katzenpost/nyquist/dh"
	"github.com/katzenpost/nyquist/hash"
	"github.com/katzenpost/nyquist/pattern"

	"github.com/nearbycore/connections/internal/crypto"
)

// noiseProtocol pins the Noise_XX variant run over a freshly opened
// high-bandwidth medium before a swap: X25519 for DH (reusing the device
// identity's birationally-converted static key), ChaChaPoly for the
// transport AEAD, BLAKE2s for the handshake hash.
var noiseProtocol = &nyquist.Protocol{
	Pattern: pattern.XX,
	DH:      dh.X25519,
	Cipher:  cipher.ChaChaPoly,
	Hash:    hash.BLAKE2s,
}

// ErrUpgradeHandshakeFailed wraps any failure in the Noise_XX re-key run.
var ErrUpgradeHandshakeFailed = errors.New("upgrade: noise handshake failed")

// runNoiseXX performs a 3-message Noise_XX handshake over raw (a freshly
// connected high-bandwidth medium channel, not yet wrapped as an
// endpoint.Channel) and derives a fresh pair of directional signcryption
// keys from the handshake hash, the same way handshake.Run derives them
// from a UKEY2 D2DContext — giving the upgraded channel forward secrecy
// independent of the original UKEY2 secret.
func runNoiseXX(raw io.ReadWriter, identity *crypto.Identity, isInitiator bool) (outbound, inbound crypto.SigncryptKeys, err error) {
	staticKey, err := identity.X25519StaticKey()
	if err != nil {
		return crypto.SigncryptKeys{}, crypto.SigncryptKeys{}, fmt.Errorf("%w: static key: %v", ErrUpgradeHandshakeFailed, err)
	}
	localStatic, err := dh.X25519.ParsePrivateKey(staticKey[:])
	if err != nil {
		return crypto.SigncryptKeys{}, crypto.SigncryptKeys{}, fmt.Errorf("%w: static key: %v", ErrUpgradeHandshakeFailed, err)
	}

	cfg := &nyquist.HandshakeConfig{
		Protocol:    noiseProtocol,
		DH:          &nyquist.DHConfig{LocalStatic: localStatic},
		IsInitiator: isInitiator,
	}
	hs, err := nyquist.NewHandshake(cfg)
	if err != nil {
		return crypto.SigncryptKeys{}, crypto.SigncryptKeys{}, fmt.Errorf("%w: init: %v", ErrUpgradeHandshakeFailed, err)
	}
	defer hs.Reset()

	// Noise_XX: e / e,ee,s,es / s,se. The initiator writes message 1 and 3;
	// the responder writes message 2. The final Write/ReadMessage call
	// reports ErrDone to mark handshake completion.
	steps := []bool{isInitiator, !isInitiator, isInitiator}
	for _, weWrite := range steps {
		if weWrite {
			msg, werr := hs.WriteMessage(nil, nil)
			if werr != nil && werr != nyquist.ErrDone {
				return crypto.SigncryptKeys{}, crypto.SigncryptKeys{}, fmt.Errorf("%w: write: %v", ErrUpgradeHandshakeFailed, werr)
			}
			if err := writeFramed(raw, msg); err != nil {
				return crypto.SigncryptKeys{}, crypto.SigncryptKeys{}, fmt.Errorf("%w: send: %v", ErrUpgradeHandshakeFailed, err)
			}
		} else {
			msg, rerr := readFramed(raw)
			if rerr != nil {
				return crypto.SigncryptKeys{}, crypto.SigncryptKeys{}, fmt.Errorf("%w: recv: %v", ErrUpgradeHandshakeFailed, rerr)
			}
			if _, rerr := hs.ReadMessage(nil, msg); rerr != nil && rerr != nyquist.ErrDone {
				return crypto.SigncryptKeys{}, crypto.SigncryptKeys{}, fmt.Errorf("%w: read: %v", ErrUpgradeHandshakeFailed, rerr)
			}
		}
	}

	status := hs.GetStatus()
	if status.Err != nyquist.ErrDone {
		return crypto.SigncryptKeys{}, crypto.SigncryptKeys{}, fmt.Errorf("%w: %v", ErrUpgradeHandshakeFailed, status.Err)
	}

	return deriveUpgradeKeys(status.HandshakeHash, isInitiator)
}

// deriveUpgradeKeys turns the Noise handshake hash into the same
// SigncryptKeys shape UKEY2 produces, so the swapped-in channel keeps
// using endpoint.Channel's existing AES-CBC/HMAC signcryption layer rather
// than introducing a second, parallel AEAD transport.
func deriveUpgradeKeys(handshakeHash []byte, isInitiator bool) (outbound, inbound crypto.SigncryptKeys, err error) {
	a, b, err := crypto.DeriveUpgradeKeyPair(handshakeHash)
	if err != nil {
		return crypto.SigncryptKeys{}, crypto.SigncryptKeys{}, err
	}
	if isInitiator {
		return a, b, nil
	}
	return b, a, nil
}

func writeFramed(w io.Writer, body []byte) error {
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
