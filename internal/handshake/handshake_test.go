package handshake

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nearbycore/connections/internal/crypto"
	"github.com/nearbycore/connections/internal/endpoint"
	"github.com/nearbycore/connections/internal/medium"
	"github.com/nearbycore/connections/internal/wire"
)

func TestRunProducesEncryptedChannelPair(t *testing.T) {
	a, b := net.Pipe()

	type result struct {
		ch  *endpoint.Channel
		res *Result
		err error
	}
	respCh := make(chan result, 1)
	go func() {
		ch, res, err := Run(context.Background(), "aaaa", medium.TagBLE, b, RoleResponder, time.Second)
		respCh <- result{ch, res, err}
	}()

	chA, resA, err := Run(context.Background(), "bbbb", medium.TagBLE, a, RoleInitiator, time.Second)
	require.NoError(t, err)
	resp := <-respCh
	require.NoError(t, resp.err)
	defer chA.Close()
	defer resp.ch.Close()

	require.Equal(t, resA.VerificationString, resp.res.VerificationString)

	// Traffic flows both ways through the signcryption layer.
	go func() {
		chA.WriteFrame(&wire.OfflineFrame{Kind: wire.KindKeepAlive, KeepAlive: &wire.KeepAliveFrame{}})
	}()
	got, err := resp.ch.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.KindKeepAlive, got.Kind)

	go func() {
		resp.ch.WriteFrame(&wire.OfflineFrame{Kind: wire.KindDisconnection, Disconnection: &wire.DisconnectionFrame{}})
	}()
	got, err = chA.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.KindDisconnection, got.Kind)
}

func TestRunTimesOutWithoutPeer(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	_ = b // never speaks

	_, _, err := Run(context.Background(), "bbbb", medium.TagBLE, a, RoleInitiator, 100*time.Millisecond)
	require.ErrorIs(t, err, crypto.ErrHandshakeTimeout)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := Run(ctx, "bbbb", medium.TagBLE, a, RoleInitiator, 10*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
