package crypto

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

// Cipher identifies a UKEY2 cipher suite. This implementation offers only
// one; the responder still picks a cipher from the initiator's offered set
// rather than assuming it.
type Cipher uint8

const P256SHA256 Cipher = 1

// HandshakeTimeout, HandshakeVersionMismatch, etc. are the UKEY2 failure
// kinds, mapped to Status=ConnectionRejected at the Pcp boundary.
var (
	ErrHandshakeTimeout        = errors.New("handshake: timed out")
	ErrHandshakeVersionMismatch = errors.New("handshake: protocol version mismatch")
	ErrHandshakeBadFrame       = errors.New("handshake: malformed message")
	ErrHandshakeCipherMismatch = errors.New("handshake: no common cipher")
	ErrHandshakeKeyAgreement   = errors.New("handshake: key agreement failed")
	ErrHandshakeReplay         = errors.New("handshake: replayed sequence number")
)

const protocolVersion = 1

// clientInit is message 1 of the UKEY2 exchange: the initiator's offered
// cipher set and a hash of the (not yet sent) Client Finished message,
// committing to it before the responder reveals its ephemeral key.
type clientInit struct {
	Version        int32
	Ciphers        []Cipher
	ClientFinishedHash []byte
	Nonce          []byte
}

// serverInit is message 2: the responder's chosen cipher, ephemeral public
// key, and a fresh nonce.
type serverInit struct {
	Version   int32
	Cipher    Cipher
	PublicKey []byte
	Nonce     []byte
}

// clientFinished is message 3: the initiator's ephemeral public key for the
// chosen cipher, whose hash must match ClientFinishedHash from message 1.
type clientFinished struct {
	PublicKey []byte
}

// D2DContext holds the per-direction AES-256 + HMAC-SHA256 keys derived
// from the UKEY2 master secret, plus the human-verifiable string a higher
// layer may choose to display.
type D2DContext struct {
	ClientToServerKey SigncryptKeys
	ServerToClientKey SigncryptKeys
	VerificationString []byte
}

// SigncryptKeys is one direction's AES encryption key and HMAC key, derived
// via HKDF with purpose strings "D2D_ENC_AES" and "D2D_SIG_HMAC".
type SigncryptKeys struct {
	EncKey  [32]byte
	HMACKey [32]byte
}

// RunInitiator performs the four-message UKEY2 exchange as the initiator
// (the side with the lexicographically larger endpoint id: the tie-break
// makes the smaller id the responder/"server" side so both peers agree on
// roles without racing on ECDH public keys).
func RunInitiator(rw io.ReadWriter) (*D2DContext, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeKeyAgreement, err)
	}
	clientFin := clientFinished{PublicKey: priv.PublicKey().Bytes()}
	finBytes, err := cbor.Marshal(clientFin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeBadFrame, err)
	}
	finHash := sha256.Sum256(finBytes)

	nonce1 := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, nonce1); err != nil {
		return nil, err
	}
	init := clientInit{
		Version:            protocolVersion,
		Ciphers:            []Cipher{P256SHA256},
		ClientFinishedHash: finHash[:],
		Nonce:              nonce1,
	}
	if err := writeMsg(rw, &init); err != nil {
		return nil, err
	}

	var srv serverInit
	if err := readMsg(rw, &srv); err != nil {
		return nil, err
	}
	if srv.Version != protocolVersion {
		return nil, ErrHandshakeVersionMismatch
	}
	if srv.Cipher != P256SHA256 {
		return nil, ErrHandshakeCipherMismatch
	}
	peerPub, err := ecdh.P256().NewPublicKey(srv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeKeyAgreement, err)
	}

	if err := writeMsg(rw, &clientFin); err != nil {
		return nil, err
	}

	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeKeyAgreement, err)
	}
	return deriveD2DContext(secret, nonce1, srv.Nonce)
}

// RunResponder performs the four-message UKEY2 exchange as the responder
// (the lexicographically smaller endpoint id).
func RunResponder(rw io.ReadWriter) (*D2DContext, error) {
	var init clientInit
	if err := readMsg(rw, &init); err != nil {
		return nil, err
	}
	if init.Version != protocolVersion {
		return nil, ErrHandshakeVersionMismatch
	}
	chosen := Cipher(0)
	for _, c := range init.Ciphers {
		if c == P256SHA256 {
			chosen = c
			break
		}
	}
	if chosen == 0 {
		return nil, ErrHandshakeCipherMismatch
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeKeyAgreement, err)
	}
	nonce2 := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, nonce2); err != nil {
		return nil, err
	}
	srv := serverInit{
		Version:   protocolVersion,
		Cipher:    chosen,
		PublicKey: priv.PublicKey().Bytes(),
		Nonce:     nonce2,
	}
	if err := writeMsg(rw, &srv); err != nil {
		return nil, err
	}

	var fin clientFinished
	if err := readMsg(rw, &fin); err != nil {
		return nil, err
	}
	finBytes, err := cbor.Marshal(fin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeBadFrame, err)
	}
	finHash := sha256.Sum256(finBytes)
	if !hmac.Equal(finHash[:], init.ClientFinishedHash) {
		return nil, fmt.Errorf("%w: client finished hash mismatch", ErrHandshakeBadFrame)
	}

	peerPub, err := ecdh.P256().NewPublicKey(fin.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeKeyAgreement, err)
	}
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeKeyAgreement, err)
	}
	return deriveD2DContext(secret, init.Nonce, nonce2)
}

func deriveD2DContext(secret, clientNonce, serverNonce []byte) (*D2DContext, error) {
	salt := sha256.Sum256([]byte("UKEY2 v1 next"))

	master := hkdf.New(sha256.New, secret, salt[:], append(append([]byte{}, clientNonce...), serverNonce...))
	masterSecret := make([]byte, 32)
	if _, err := io.ReadFull(master, masterSecret); err != nil {
		return nil, err
	}

	c2s, err := deriveDirectionalKeys(masterSecret, "client-to-server")
	if err != nil {
		return nil, err
	}
	s2c, err := deriveDirectionalKeys(masterSecret, "server-to-client")
	if err != nil {
		return nil, err
	}

	verification := hkdf.New(sha256.New, masterSecret, nil, []byte("UKEY2 v1 verification"))
	verificationString := make([]byte, 20)
	if _, err := io.ReadFull(verification, verificationString); err != nil {
		return nil, err
	}

	return &D2DContext{
		ClientToServerKey:  c2s,
		ServerToClientKey:  s2c,
		VerificationString: verificationString,
	}, nil
}

func deriveDirectionalKeys(masterSecret []byte, direction string) (SigncryptKeys, error) {
	var keys SigncryptKeys
	enc := hkdf.New(sha256.New, masterSecret, []byte(direction), []byte("D2D_ENC_AES"))
	if _, err := io.ReadFull(enc, keys.EncKey[:]); err != nil {
		return keys, err
	}
	sig := hkdf.New(sha256.New, masterSecret, []byte(direction), []byte("D2D_SIG_HMAC"))
	if _, err := io.ReadFull(sig, keys.HMACKey[:]); err != nil {
		return keys, err
	}
	return keys, nil
}

// DeriveUpgradeKeyPair turns a Noise handshake hash into two SigncryptKeys,
// one per direction, using the same per-direction HKDF derivation
// (deriveDirectionalKeys) as the UKEY2 D2D keys so a swapped-in channel can keep using the AES-CBC/HMAC
// signcryption layer instead of a second AEAD transport.
func DeriveUpgradeKeyPair(handshakeHash []byte) (a, b SigncryptKeys, err error) {
	a, err = deriveDirectionalKeys(handshakeHash, "upgrade-a-to-b")
	if err != nil {
		return SigncryptKeys{}, SigncryptKeys{}, err
	}
	b, err = deriveDirectionalKeys(handshakeHash, "upgrade-b-to-a")
	if err != nil {
		return SigncryptKeys{}, SigncryptKeys{}, err
	}
	return a, b, nil
}

func writeMsg(w io.Writer, v interface{}) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeBadFrame, err)
	}
	var lenPrefix [4]byte
	lenPrefix[0] = byte(len(b) >> 24)
	lenPrefix[1] = byte(len(b) >> 16)
	lenPrefix[2] = byte(len(b) >> 8)
	lenPrefix[3] = byte(len(b))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readMsg(r io.Reader, v interface{}) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}
	n := int(lenPrefix[0])<<24 | int(lenPrefix[1])<<16 | int(lenPrefix[2])<<8 | int(lenPrefix[3])
	if n < 0 || n > 1<<20 {
		return ErrHandshakeBadFrame
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeBadFrame, err)
	}
	return nil
}
