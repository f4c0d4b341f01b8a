package pcp

import (
	"gitlab.com/yawning/avl.git"

	"github.com/nearbycore/connections/internal/medium"
)

// sighting is one (endpoint id, medium) entry stored in a discoverySet,
// ranked by the owning Handler's configured medium priority order.
type sighting struct {
	endpoint DiscoveredEndpoint
	rank     int
	node     *avl.Node
}

// discoverySet is the Pcp handler's per-session ordered set of
// DiscoveredEndpoints: one avl.Tree ordered by (priority rank, endpoint id,
// medium tag) so picking the primary medium for a connect attempt is an
// in-order tree walk that stops at the first (lowest-ranked) sighting for
// that id.
type discoverySet struct {
	tree     *avl.Tree
	byEndpoint map[string]map[medium.Tag]*sighting
	rankOf   map[medium.Tag]int
}

func newDiscoverySet(priority []medium.Tag) *discoverySet {
	rankOf := make(map[medium.Tag]int, len(priority))
	for i, tag := range priority {
		rankOf[tag] = i
	}
	return &discoverySet{
		tree: avl.New(func(a, b interface{}) int {
			x, y := a.(*sighting), b.(*sighting)
			switch {
			case x.rank != y.rank:
				return x.rank - y.rank
			case x.endpoint.EndpointID != y.endpoint.EndpointID:
				if x.endpoint.EndpointID < y.endpoint.EndpointID {
					return -1
				}
				return 1
			case x.endpoint.MediumTag != y.endpoint.MediumTag:
				return int(x.endpoint.MediumTag) - int(y.endpoint.MediumTag)
			default:
				return 0
			}
		}),
		byEndpoint: make(map[string]map[medium.Tag]*sighting),
		rankOf:     rankOf,
	}
}

// Insert adds or refreshes a sighting, returning true if this is the first
// sighting of this endpoint id on any medium (an EndpointFound-worthy
// event).
func (d *discoverySet) Insert(e DiscoveredEndpoint) (isFirst bool) {
	mediums, ok := d.byEndpoint[e.EndpointID]
	if !ok {
		mediums = make(map[medium.Tag]*sighting)
		d.byEndpoint[e.EndpointID] = mediums
	}
	isFirst = len(mediums) == 0

	tag := medium.Tag(e.MediumTag)
	if existing, ok := mediums[tag]; ok {
		d.tree.Remove(existing.node)
		existing.endpoint = e
		existing.node = d.tree.Insert(existing)
		return false
	}

	rank, ok := d.rankOf[tag]
	if !ok {
		rank = len(d.rankOf) // unranked mediums sort last
	}
	s := &sighting{endpoint: e, rank: rank}
	s.node = d.tree.Insert(s)
	mediums[tag] = s
	return isFirst
}

// Remove drops the (endpoint id, medium) sighting, returning true if every
// medium for this endpoint id is now gone (an EndpointLost-worthy event).
func (d *discoverySet) Remove(endpointID string, tag medium.Tag) (isLast bool) {
	mediums, ok := d.byEndpoint[endpointID]
	if !ok {
		return false
	}
	s, ok := mediums[tag]
	if !ok {
		return false
	}
	d.tree.Remove(s.node)
	delete(mediums, tag)
	if len(mediums) == 0 {
		delete(d.byEndpoint, endpointID)
		return true
	}
	return false
}

// Primary returns the highest-priority medium currently tracked for
// endpointID, found by walking the tree forward to the first sighting
// matching that id, and false if the endpoint is not tracked at all.
func (d *discoverySet) Primary(endpointID string) (DiscoveredEndpoint, bool) {
	iter := d.tree.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		s := node.Value.(*sighting)
		if s.endpoint.EndpointID == endpointID {
			return s.endpoint, true
		}
	}
	return DiscoveredEndpoint{}, false
}

