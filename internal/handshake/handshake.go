// Package handshake orchestrates the UKEY2 key exchange (package crypto)
// over a freshly dialed medium.RawChannel, before any OfflineFrame is sent,
// and installs the resulting D2DContext onto an endpoint.Channel. This is
// the glue connection.go's Handshake/Session split plays for sockatz: a
// bare stream becomes a keyed, framed channel before the rest of the
// protocol speaks over it.
package handshake

import (
	"context"
	"fmt"
	"time"

	"github.com/nearbycore/connections/internal/crypto"
	"github.com/nearbycore/connections/internal/endpoint"
	"github.com/nearbycore/connections/internal/medium"
)

// DefaultTimeout bounds the entire four-message UKEY2 exchange.
const DefaultTimeout = 10 * time.Second

// Role selects which side of the UKEY2 exchange this device plays. The
// same tie-break that resolves simultaneous-dial races also assigns UKEY2
// roles: the smaller endpoint id is the Responder ("server"), so on a
// mutual dial it defers to the inbound connection it responded on while
// the larger id keeps its outgoing dial as Initiator.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Result carries the installed D2DContext plus the verification string a
// caller may want to surface to a user for out-of-band confirmation. It
// falls directly out of UKEY2 and costs nothing to expose even when
// unused.
type Result struct {
	Context             *crypto.D2DContext
	VerificationString  []byte
}

// Run performs the UKEY2 exchange over raw and wraps raw as an encrypted
// endpoint.Channel, ready for offline-frame traffic.
func Run(ctx context.Context, endpointID string, tag medium.Tag, raw medium.RawChannel, role Role, timeout time.Duration) (*endpoint.Channel, *Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	type outcome struct {
		d2d *crypto.D2DContext
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var d2d *crypto.D2DContext
		var err error
		switch role {
		case RoleInitiator:
			d2d, err = crypto.RunInitiator(raw)
		case RoleResponder:
			d2d, err = crypto.RunResponder(raw)
		default:
			err = fmt.Errorf("handshake: unknown role %d", role)
		}
		done <- outcome{d2d, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			raw.Close()
			return nil, nil, out.err
		}
		ch := endpoint.New(endpointID, tag, raw)
		outbound, inbound := directionalKeys(role, out.d2d)
		ch.EnableEncryption(outbound, inbound)
		return ch, &Result{Context: out.d2d, VerificationString: out.d2d.VerificationString}, nil
	case <-timer.C:
		raw.Close()
		return nil, nil, crypto.ErrHandshakeTimeout
	case <-ctx.Done():
		raw.Close()
		return nil, nil, ctx.Err()
	}
}

// directionalKeys maps UKEY2's client/server key pair onto this device's
// outbound/inbound roles: the initiator (UKEY2 "client") writes with
// ClientToServerKey and reads with ServerToClientKey; the responder is the
// mirror image.
func directionalKeys(role Role, d2d *crypto.D2DContext) (outbound, inbound crypto.SigncryptKeys) {
	if role == RoleInitiator {
		return d2d.ClientToServerKey, d2d.ServerToClientKey
	}
	return d2d.ServerToClientKey, d2d.ClientToServerKey
}
