package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
)

// SigncryptedMessage is one D2D-protected frame: an IV, the AES-256-CBC
// ciphertext, and an HMAC-SHA256 tag over the IV, the ciphertext and the
// frame's sequence number. Verify-then-decrypt
// order matches the d2d-connection-context family this is modeled on.
type SigncryptedMessage struct {
	IV         [aes.BlockSize]byte
	Ciphertext []byte
	Tag        [32]byte
}

// Signcryptor wraps one direction's AES/HMAC keys in memguard-locked memory
// and enforces a monotonic sequence number so a replayed SigncryptedMessage
// is rejected rather than re-delivered to the frame reader.
type Signcryptor struct {
	mu      sync.Mutex
	encKey  *memguard.LockedBuffer
	hmacKey *memguard.LockedBuffer
	replay  *ReplayWindow
}

// NewSigncryptor locks keys into guarded memory and wires a replay window
// sized for the lifetime of one endpoint connection.
func NewSigncryptor(keys SigncryptKeys) *Signcryptor {
	s := &Signcryptor{
		encKey:  memguard.NewBufferFromBytes(append([]byte{}, keys.EncKey[:]...)),
		hmacKey: memguard.NewBufferFromBytes(append([]byte{}, keys.HMACKey[:]...)),
		replay:  NewReplayWindow(),
	}
	return s
}

// Destroy wipes the locked key buffers. Call once the owning EndpointChannel
// is torn down.
func (s *Signcryptor) Destroy() {
	s.encKey.Destroy()
	s.hmacKey.Destroy()
}

// Seal encrypts plaintext and authenticates it, tagging the message with
// seq so the peer's replay window can enforce a monotonic sequence.
func (s *Signcryptor) Seal(plaintext []byte, seq uint64) (*SigncryptedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := aes.NewCipher(s.encKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	msg := &SigncryptedMessage{Ciphertext: make([]byte, len(padded))}
	if _, err := io.ReadFull(rand.Reader, msg.IV[:]); err != nil {
		return nil, err
	}

	mode := cipher.NewCBCEncrypter(block, msg.IV[:])
	mode.CryptBlocks(msg.Ciphertext, padded)

	mac := hmac.New(sha256.New, s.hmacKey.Bytes())
	mac.Write(msg.IV[:])
	mac.Write(msg.Ciphertext)
	writeSeq(mac, seq)
	copy(msg.Tag[:], mac.Sum(nil))

	return msg, nil
}

// Open verifies msg's tag, checks seq against the replay window, and
// decrypts. It returns ErrHandshakeReplay if seq has already been seen.
func (s *Signcryptor) Open(msg *SigncryptedMessage, seq uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mac := hmac.New(sha256.New, s.hmacKey.Bytes())
	mac.Write(msg.IV[:])
	mac.Write(msg.Ciphertext)
	writeSeq(mac, seq)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, msg.Tag[:]) {
		return nil, fmt.Errorf("crypto: signcrypt: %w", ErrHandshakeBadFrame)
	}

	if !s.replay.Accept(seq) {
		return nil, ErrHandshakeReplay
	}

	block, err := aes.NewCipher(s.encKey.Bytes())
	if err != nil {
		return nil, err
	}
	if len(msg.Ciphertext)%aes.BlockSize != 0 || len(msg.Ciphertext) == 0 {
		return nil, fmt.Errorf("crypto: signcrypt: %w", ErrHandshakeBadFrame)
	}
	out := make([]byte, len(msg.Ciphertext))
	mode := cipher.NewCBCDecrypter(block, msg.IV[:])
	mode.CryptBlocks(out, msg.Ciphertext)

	return pkcs7Unpad(out)
}

func writeSeq(w io.Writer, seq uint64) {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(seq >> (56 - 8*i))
	}
	w.Write(b[:])
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("crypto: signcrypt: %w", ErrHandshakeBadFrame)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > len(b) || n > aes.BlockSize {
		return nil, fmt.Errorf("crypto: signcrypt: %w", ErrHandshakeBadFrame)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("crypto: signcrypt: %w", ErrHandshakeBadFrame)
		}
	}
	return b[:len(b)-n], nil
}
