package dkg

import (
	"github.com/gtank/ristretto255"

	"github.com/wurp/tpoprf/toprf"
)

// CorruptionHook is a test-only misbehavior injection seam for PeerState: a
// runtime hook a test supplies to an otherwise-honest peer, rather than a
// second compiled variant of the protocol logic behind a build flag. A
// zero-value CorruptionHook behaves identically to a nil one; every field
// is optional.
type CorruptionHook struct {
	// Commitment, if set, replaces the Pedersen commitment vector a peer is
	// about to broadcast (a declared polynomial that no longer matches the
	// shares actually dealt from it). self is the peer's own index.
	Commitment func(commitments []*ristretto255.Element, self uint8) []*ristretto255.Element

	// Share, if set, replaces the share a peer is about to seal and deliver
	// to recipient `to` (a mis-dealt share to one specific victim).
	Share func(share toprf.Share, to uint8) toprf.Share

	// Complaint, if set, replaces the bitset a peer is about to broadcast
	// in the complaints round (a false accusation).
	Complaint func(against []bool) []bool

	// Reveal, if set, corrupts the channel-binding bytes a peer reveals
	// when answering a complaint. An altered binding no longer opens the
	// stored share and is recorded as ShareDeliveryFrameCheater(ErrSig); an
	// empty one counts as no reveal (CheaterUnansweredComplaint).
	Reveal func(binding []byte) []byte
}

func (c *CorruptionHook) commitment(commitments []*ristretto255.Element, self uint8) []*ristretto255.Element {
	if c == nil || c.Commitment == nil {
		return commitments
	}
	return c.Commitment(commitments, self)
}

func (c *CorruptionHook) share(s toprf.Share, to uint8) toprf.Share {
	if c == nil || c.Share == nil {
		return s
	}
	return c.Share(s, to)
}

func (c *CorruptionHook) complaint(against []bool) []bool {
	if c == nil || c.Complaint == nil {
		return against
	}
	return c.Complaint(against)
}

func (c *CorruptionHook) reveal(binding []byte) []byte {
	if c == nil || c.Reveal == nil {
		return binding
	}
	return c.Reveal(binding)
}
