package broker

import (
	"github.com/switchyard-io/switchyard/record"
	"github.com/switchyard-io/switchyard/wire"
)

// Slot is the broker's state for one connected endpoint.
type Slot struct {
	// Token is the dense table index, stable while the slot lives.
	Token int
	// serial disambiguates reused tokens.
	serial uint64

	// ID is unique per broker and stable for the slot's lifetime once the
	// first authentication succeeds.
	ID record.ID

	// Wire is the broker's end of the duplex channel to the endpoint.
	Wire *wire.Wire

	// Tags are fixed at connect time and filter broker-wide addressing.
	Tags map[string]struct{}

	// Chans and ShareChans map subscribed channel names to the label set
	// supplied at attach time.
	Chans      map[string]map[string]struct{}
	ShareChans map[string]map[string]struct{}

	// Joined marks a peer broker participating in cross-broker forwards.
	Joined bool

	// Authed is set by the first successful _auth.
	Authed bool

	// Bind and Bound hold bidirectional bind relationships; only custom
	// hooks use them, the routing core just keeps them consistent.
	Bind  map[int]struct{}
	Bound map[int]struct{}
}

func newSlot(serial uint64, id record.ID, w *wire.Wire, tags []string) *Slot {
	tagSet := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tagSet[tag] = struct{}{}
	}
	return &Slot{
		serial:     serial,
		ID:         id,
		Wire:       w,
		Tags:       tagSet,
		Chans:      make(map[string]map[string]struct{}),
		ShareChans: make(map[string]map[string]struct{}),
		Bind:       make(map[int]struct{}),
		Bound:      make(map[int]struct{}),
	}
}

// hasAllTags reports whether the slot carries every tag in the list.
func (s *Slot) hasAllTags(tags []string) bool {
	for _, tag := range tags {
		if _, ok := s.Tags[tag]; !ok {
			return false
		}
	}
	return true
}

// labelsMatch applies the per-subscription label filter: an unlabeled
// message reaches everyone, a labeled one only subscribers whose label
// set intersects it.
func labelsMatch(sub map[string]struct{}, msgLabels []string) bool {
	if len(msgLabels) == 0 {
		return true
	}
	for _, l := range msgLabels {
		if _, ok := sub[l]; ok {
			return true
		}
	}
	return false
}

func mergeLabels(dst map[string]map[string]struct{}, channel string, labels []string) {
	set, ok := dst[channel]
	if !ok {
		set = make(map[string]struct{}, len(labels))
		dst[channel] = set
	}
	for _, l := range labels {
		set[l] = struct{}{}
	}
}
