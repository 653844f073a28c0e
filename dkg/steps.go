package dkg

// Step indexes one round of the protocol's lock-step state machine. Earlier
// designs for this kind of trusted-party DKG describe a much more granular
// wire protocol, giving every handshake message and every acknowledgement
// its own step. This implementation batches several of those into a single
// round wherever the batched messages are always produced and consumed
// together. For example, the handshake's final message and the encrypted
// share it authorizes both travel in the single StepShareDelivery round,
// since the msg8 wire payload already bundles a 64-byte final handshake
// message with the ciphertext-of-share that follows it. See DESIGN.md's
// step-numbering note for how this relates to a finer-grained numbering;
// every named phase (config broadcast, peer-key publication, commitment
// broadcast, the XK handshake mesh, share delivery, complaints, key
// reveal, adjudication, and the final transcript compare) has exactly one
// Step here.
type Step uint8

const (
	// StepConfig: TP broadcasts msg0 {n, t, TP session pk}; msg0 carries no
	// DST.
	StepConfig Step = iota
	// StepPeerKeys: peers broadcast their ephemeral signing and handshake
	// public keys.
	StepPeerKeys
	// StepCommitments: peers broadcast their Pedersen commitment vectors.
	StepCommitments
	// StepHandshake1: every peer, as initiator toward every other peer,
	// sends Noise XK message 1.
	StepHandshake1
	// StepHandshake2: every peer, as responder, answers with Noise XK
	// message 2.
	StepHandshake2
	// StepShareDelivery: every peer, as initiator, completes the handshake
	// with Noise XK message 3 and attaches its AEAD-sealed,
	// key-committing-MAC'd share (the msg8 wire shape).
	StepShareDelivery
	// StepComplaints: peers send the TP a signed complaint bitset; the TP
	// broadcasts the aggregated n×n matrix.
	StepComplaints
	// StepKeyReveal: accused peers reveal the handshake channel-binding
	// value for each accuser; the TP adjudicates and broadcasts the
	// resulting cheater deltas.
	StepKeyReveal
	// StepTranscript: the TP broadcasts its transcript hash; peers compare
	// against their own running hash.
	StepTranscript
	// StepDone is the terminal step; NotDone reports false once reached.
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepConfig:
		return "Config"
	case StepPeerKeys:
		return "PeerKeys"
	case StepCommitments:
		return "Commitments"
	case StepHandshake1:
		return "Handshake1"
	case StepHandshake2:
		return "Handshake2"
	case StepShareDelivery:
		return "ShareDelivery"
	case StepComplaints:
		return "Complaints"
	case StepKeyReveal:
		return "KeyReveal"
	case StepTranscript:
		return "Transcript"
	case StepDone:
		return "Done"
	default:
		return "Unknown"
	}
}
