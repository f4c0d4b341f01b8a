package pcp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nearbycore/connections/internal/medium"
)

func sightingFor(id string, tag medium.Tag) DiscoveredEndpoint {
	return DiscoveredEndpoint{
		EndpointID:   id,
		EndpointInfo: []byte("info-" + id),
		ServiceID:    "svc",
		MediumTag:    uint8(tag),
	}
}

func TestDiscoverySetFirstAndLast(t *testing.T) {
	d := newDiscoverySet([]medium.Tag{medium.TagWifiLAN, medium.TagBluetoothClassic})

	require.True(t, d.Insert(sightingFor("bbbb", medium.TagBluetoothClassic)))
	require.False(t, d.Insert(sightingFor("bbbb", medium.TagWifiLAN)))

	require.False(t, d.Remove("bbbb", medium.TagBluetoothClassic))
	require.True(t, d.Remove("bbbb", medium.TagWifiLAN))
}

func TestDiscoverySetReInsertSameMediumIsNotFirst(t *testing.T) {
	d := newDiscoverySet([]medium.Tag{medium.TagBLE})

	require.True(t, d.Insert(sightingFor("bbbb", medium.TagBLE)))
	// A refreshed sighting on the same medium updates in place.
	require.False(t, d.Insert(sightingFor("bbbb", medium.TagBLE)))
	require.True(t, d.Remove("bbbb", medium.TagBLE))
}

func TestDiscoverySetPrimaryFollowsPriority(t *testing.T) {
	d := newDiscoverySet([]medium.Tag{medium.TagWifiLAN, medium.TagWebRTC, medium.TagBluetoothClassic, medium.TagBLE})

	d.Insert(sightingFor("bbbb", medium.TagBLE))
	primary, ok := d.Primary("bbbb")
	require.True(t, ok)
	require.Equal(t, uint8(medium.TagBLE), primary.MediumTag)

	d.Insert(sightingFor("bbbb", medium.TagWifiLAN))
	primary, ok = d.Primary("bbbb")
	require.True(t, ok)
	require.Equal(t, uint8(medium.TagWifiLAN), primary.MediumTag)

	// Losing the preferred medium falls back to the next ranked one.
	d.Remove("bbbb", medium.TagWifiLAN)
	primary, ok = d.Primary("bbbb")
	require.True(t, ok)
	require.Equal(t, uint8(medium.TagBLE), primary.MediumTag)
}

func TestDiscoverySetPrimaryUnknownEndpoint(t *testing.T) {
	d := newDiscoverySet([]medium.Tag{medium.TagWifiLAN})
	_, ok := d.Primary("zzzz")
	require.False(t, ok)
}

func TestDiscoverySetRemoveUnknownIsNoop(t *testing.T) {
	d := newDiscoverySet([]medium.Tag{medium.TagWifiLAN})
	require.False(t, d.Remove("zzzz", medium.TagWifiLAN))

	d.Insert(sightingFor("bbbb", medium.TagWifiLAN))
	require.False(t, d.Remove("bbbb", medium.TagBLE))
	require.True(t, d.Remove("bbbb", medium.TagWifiLAN))
}

func TestDiscoverySetTracksUnrankedMediums(t *testing.T) {
	d := newDiscoverySet([]medium.Tag{medium.TagWifiLAN})

	require.True(t, d.Insert(sightingFor("bbbb", medium.TagWebRTC)))
	d.Insert(sightingFor("bbbb", medium.TagWifiLAN))

	// An unranked medium sorts after every ranked one.
	primary, ok := d.Primary("bbbb")
	require.True(t, ok)
	require.Equal(t, uint8(medium.TagWifiLAN), primary.MediumTag)
}
