package dkg

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/gtank/ristretto255"

	"github.com/wurp/tpoprf/internal/xrand"
	"github.com/wurp/tpoprf/toprf"
)

// PeerState drives one participant's side of the lock-step protocol. A
// caller owns the event loop: call Next once per round with whatever the
// transport handed it from the TP, send the returned bytes back to the TP,
// and stop once NotDone is false.
type PeerState struct {
	step Step
	self uint8
	n, t uint8

	sessionID [SessionIDBytes]byte
	epsilon   uint64
	lastTS    uint64
	src       xrand.Source
	corrupt   *CorruptionHook

	longTermPriv  ed25519.PrivateKey
	ephemeralPub  ed25519.PublicKey
	ephemeralPriv ed25519.PrivateKey
	hsKey         HandshakeKeypair

	tpSessionPK ed25519.PublicKey

	peerLongTermPK  map[uint8]ed25519.PublicKey
	peerEphemeralPK map[uint8]ed25519.PublicKey
	peerHandshakePK map[uint8][]byte
	peerCommitments map[uint8][]*ristretto255.Element

	poly          *polynomial
	myCommitments []*ristretto255.Element

	asInitiator map[uint8]*handshake // keyed by responder index
	asResponder map[uint8]*handshake // keyed by initiator index
	dealtBinding map[uint8][]byte    // channel binding for shares self dealt, keyed by recipient

	receivedShares map[uint8]toprf.Share
	complained     map[uint8]bool // self's own view: did dealer j's share fail
	accusedBy      map[uint8]bool // did peer j accuse self, per the round-6 matrix

	finalShare toprf.Share

	tr       *transcript
	ledger   *Ledger
	done     bool
	mismatch bool
}

// NewPeerState constructs an un-started peer for index self in an n-peer,
// t-threshold session. longTermRoster maps every peer index (including
// self) to its externally-known long-term Ed25519 public key. The roster
// is assumed to be distributed out of band before the session starts.
func NewPeerState(self, n, t uint8, longTermPriv ed25519.PrivateKey, longTermRoster map[uint8]ed25519.PublicKey, src xrand.Source, epsilon uint64, corrupt *CorruptionHook) (*PeerState, error) {
	ephPub, ephPriv, err := ed25519.GenerateKey(src)
	if err != nil {
		return nil, err
	}
	hsKey, err := GenerateHandshakeKeypair(src)
	if err != nil {
		return nil, err
	}
	return &PeerState{
		step:            StepConfig,
		self:            self,
		n:               n,
		t:               t,
		epsilon:         epsilon,
		src:             src,
		corrupt:         corrupt,
		longTermPriv:    longTermPriv,
		ephemeralPub:    ephPub,
		ephemeralPriv:   ephPriv,
		hsKey:           hsKey,
		peerLongTermPK:  longTermRoster,
		peerEphemeralPK: make(map[uint8]ed25519.PublicKey),
		peerHandshakePK: make(map[uint8][]byte),
		peerCommitments: make(map[uint8][]*ristretto255.Element),
		asInitiator:     make(map[uint8]*handshake),
		asResponder:     make(map[uint8]*handshake),
		dealtBinding:    make(map[uint8][]byte),
		receivedShares:  make(map[uint8]toprf.Share),
		complained:      make(map[uint8]bool),
		accusedBy:       make(map[uint8]bool),
		tr:              newTranscript(),
		ledger:          NewLedger(int(t)*int(t) + 1),
	}, nil
}

// Step reports the round the peer is about to process.
func (p *PeerState) Step() Step { return p.step }

// NotDone reports whether further Next calls are expected.
func (p *PeerState) NotDone() bool { return p.step != StepDone }

// Mismatch reports whether the final transcript comparison (StepTranscript)
// failed.
func (p *PeerState) Mismatch() bool { return p.mismatch }

// FinalShare returns this peer's aggregated share of the group secret,
// valid once NotDone is false and Mismatch is false.
func (p *PeerState) FinalShare() toprf.Share { return p.finalShare }

// Ledger returns the peer's local view of the cheater ledger, populated
// from the TP's step-7 adjudication broadcast.
func (p *PeerState) Ledger() *Ledger { return p.ledger }

func (p *PeerState) vc(expect MsgType, from uint8, senderPK ed25519.PublicKey, now uint64) validationContext {
	return validationContext{
		expectType:      expect,
		expectFrom:      from,
		self:            p.self,
		now:             now,
		epsilon:         p.epsilon,
		lastTS:          p.lastTS,
		senderSessionPK: senderPK,
	}
}

// Next consumes the TP's round output and returns this peer's contribution
// to the next round. now is the peer's local clock reading used for
// freshness checks.
func (p *PeerState) Next(inbound []byte, now uint64) ([]byte, error) {
	switch p.step {
	case StepConfig:
		return p.stepConfig(inbound, now)
	case StepPeerKeys:
		return p.stepPeerKeys(inbound, now)
	case StepCommitments:
		return p.stepCommitments(inbound, now)
	case StepHandshake1:
		return p.stepHandshake1(inbound, now)
	case StepHandshake2:
		return p.stepHandshake2(inbound, now)
	case StepShareDelivery:
		return p.stepShareDelivery(inbound, now)
	case StepComplaints:
		return p.stepComplaints(inbound, now)
	case StepKeyReveal:
		return p.stepKeyReveal(inbound, now)
	case StepTranscript:
		return p.stepTranscript(inbound, now)
	default:
		return nil, errors.New("dkg: peer Next called after completion")
	}
}

func (p *PeerState) accept(m *Message) {
	p.lastTS = m.Timestamp
	if m.Type.broadcastLike() {
		p.tr.append(mustMarshal(m))
	}
}

// broadcastLike reports whether a message type is TP-originated broadcast
// content that belongs in the transcript (as opposed to pairwise handshake
// or share traffic).
func (t MsgType) broadcastLike() bool {
	switch t {
	case MsgConfig, MsgPeerKeys, MsgCommitments, MsgComplaintMatrix, MsgAdjudication, MsgTranscript:
		return true
	default:
		return false
	}
}

func mustMarshal(m *Message) []byte {
	b, _ := m.MarshalBinary() // MarshalBinary never fails
	return b
}

func (p *PeerState) stepConfig(inbound []byte, now uint64) ([]byte, error) {
	m := &Message{}
	if err := m.UnmarshalBinary(inbound); err != nil {
		return nil, err
	}
	// The TP's own session public key is not yet known to us; msg0's
	// payload carries it and we trust it on first contact, the same
	// trust-on-first-use any message from a not-yet-known signer implicitly
	// requires.
	if len(m.Payload) != 2+ed25519.PublicKeySize {
		return nil, &ProtocolError{Code: ErrLen, Step: uint8(StepConfig), From: m.From}
	}
	n := m.Payload[0]
	t := m.Payload[1]
	tpPK := ed25519.PublicKey(m.Payload[2 : 2+ed25519.PublicKeySize])
	if err := validate(m, p.vc(MsgConfig, SenderTP, tpPK, now)); err != nil {
		return nil, err
	}
	p.n, p.t = n, t
	p.tpSessionPK = tpPK
	p.sessionID = m.SessionID
	p.accept(m)

	poly, err := samplePolynomial(p.src, p.t)
	if err != nil {
		return nil, err
	}
	p.poly = poly
	p.myCommitments = poly.commitments()

	out := &Message{
		Type:      MsgPeerKeys,
		From:      p.self,
		To:        RecipientBroadcast,
		Timestamp: now,
		SessionID: p.sessionID,
		Payload:   append(append([]byte{}, p.ephemeralPub...), p.hsKey.Public...),
	}
	out.Sign(p.longTermPriv)
	p.step = StepPeerKeys
	return mustMarshal(out), nil
}

func (p *PeerState) stepPeerKeys(inbound []byte, now uint64) ([]byte, error) {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		longTermPK, ok := p.peerLongTermPK[m.From]
		if !ok {
			return nil, &ProtocolError{Code: ErrFrom, Step: uint8(StepPeerKeys), From: m.From}
		}
		if err := validate(m, p.vc(MsgPeerKeys, m.From, longTermPK, now)); err != nil {
			return nil, err
		}
		if len(m.Payload) != ed25519.PublicKeySize+32 {
			return nil, &ProtocolError{Code: ErrLen, Step: uint8(StepPeerKeys), From: m.From}
		}
	}
	// Every message in the batch validated; commit only now, so a framing
	// failure never leaves earlier messages' state applied (spec.md §7).
	for _, m := range msgs {
		p.peerEphemeralPK[m.From] = ed25519.PublicKey(append([]byte(nil), m.Payload[:ed25519.PublicKeySize]...))
		p.peerHandshakePK[m.From] = append([]byte(nil), m.Payload[ed25519.PublicKeySize:]...)
		p.accept(m)
	}

	commitments := p.corrupt.commitment(p.myCommitments, p.self)
	out := &Message{
		Type:      MsgCommitments,
		From:      p.self,
		To:        RecipientBroadcast,
		Timestamp: now,
		SessionID: p.sessionID,
		Payload:   encodeCommitments(commitments),
	}
	out.Sign(p.ephemeralPriv)
	p.step = StepCommitments
	return mustMarshal(out), nil
}

func (p *PeerState) stepCommitments(inbound []byte, now uint64) ([]byte, error) {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return nil, err
	}
	decoded := make([][]*ristretto255.Element, len(msgs))
	for i, m := range msgs {
		ephPK, ok := p.peerEphemeralPK[m.From]
		if !ok {
			return nil, &ProtocolError{Code: ErrFrom, Step: uint8(StepCommitments), From: m.From}
		}
		if err := validate(m, p.vc(MsgCommitments, m.From, ephPK, now)); err != nil {
			return nil, err
		}
		commitments, err := decodeCommitments(m.Payload, int(p.t))
		if err != nil {
			return nil, &ProtocolError{Code: ErrLen, Step: uint8(StepCommitments), From: m.From, Err: err}
		}
		decoded[i] = commitments
	}
	// Every message in the batch validated and decoded; commit only now, so
	// a later message's failure never leaves an earlier one's state applied.
	for i, m := range msgs {
		p.peerCommitments[m.From] = decoded[i]
		p.accept(m)
	}

	var out []*Message
	for j := uint8(1); j <= p.n; j++ {
		if j == p.self {
			continue
		}
		hs, err := newInitiatorHandshake(p.hsKey, p.peerHandshakePK[j], min8(p.self, j), max8(p.self, j))
		if err != nil {
			return nil, err
		}
		p.asInitiator[j] = hs
		msg1, err := hs.writeMsg1()
		if err != nil {
			return nil, err
		}
		out = append(out, &Message{
			Type:      MsgHandshake1,
			From:      p.self,
			To:        j,
			Timestamp: now,
			SessionID: p.sessionID,
			Payload:   msg1,
		})
	}
	signAll(out, p.ephemeralPriv)
	p.step = StepHandshake1
	return joinMessages(out)
}

func (p *PeerState) stepHandshake1(inbound []byte, now uint64) ([]byte, error) {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return nil, err
	}
	var out []*Message
	for _, m := range msgs {
		ephPK, ok := p.peerEphemeralPK[m.From]
		if !ok {
			return nil, &ProtocolError{Code: ErrFrom, Step: uint8(StepHandshake1), From: m.From}
		}
		if err := validate(m, p.vc(MsgHandshake1, m.From, ephPK, now)); err != nil {
			return nil, err
		}
	}
	// Every message in the batch validated; commit only now.
	for _, m := range msgs {
		hs, err := newResponderHandshake(p.hsKey, min8(p.self, m.From), max8(p.self, m.From))
		if err != nil {
			return nil, err
		}
		if err := hs.readMsg1(m.Payload); err != nil {
			return nil, err
		}
		p.asResponder[m.From] = hs
		p.accept(m)

		msg2, err := hs.writeMsg2()
		if err != nil {
			return nil, err
		}
		out = append(out, &Message{
			Type:      MsgHandshake2,
			From:      p.self,
			To:        m.From,
			Timestamp: now,
			SessionID: p.sessionID,
			Payload:   msg2,
		})
	}
	signAll(out, p.ephemeralPriv)
	p.step = StepHandshake2
	return joinMessages(out)
}

func (p *PeerState) stepHandshake2(inbound []byte, now uint64) ([]byte, error) {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return nil, err
	}
	var out []*Message
	for _, m := range msgs {
		ephPK, ok := p.peerEphemeralPK[m.From]
		if !ok {
			return nil, &ProtocolError{Code: ErrFrom, Step: uint8(StepHandshake2), From: m.From}
		}
		if err := validate(m, p.vc(MsgHandshake2, m.From, ephPK, now)); err != nil {
			return nil, err
		}
		if _, ok := p.asInitiator[m.From]; !ok {
			return nil, &ProtocolError{Code: ErrFrom, Step: uint8(StepHandshake2), From: m.From}
		}
	}
	// Every message in the batch validated; commit only now.
	for _, m := range msgs {
		hs, ok := p.asInitiator[m.From]
		if !ok {
			return nil, &ProtocolError{Code: ErrFrom, Step: uint8(StepHandshake2), From: m.From}
		}
		if err := hs.readMsg2(m.Payload); err != nil {
			return nil, err
		}
		p.accept(m)

		msg3, binding, err := hs.writeMsg3()
		if err != nil {
			return nil, err
		}
		p.dealtBinding[m.From] = binding
		dealKeys, err := channelKeysFor(binding, p.self, m.From)
		if err != nil {
			return nil, err
		}
		share := p.poly.evalAt(m.From)
		share = p.corrupt.share(share, m.From)
		shareBytes, err := (&share).MarshalBinary()
		if err != nil {
			return nil, err
		}
		ct, tag, mac, err := sealShare(dealKeys, shareBytes)
		if err != nil {
			return nil, err
		}
		payload := append(append([]byte{}, msg3...), ct...)
		payload = append(payload, tag...)
		payload = append(payload, mac...)
		out = append(out, &Message{
			Type:      MsgShareDelivery,
			From:      p.self,
			To:        m.From,
			Timestamp: now,
			SessionID: p.sessionID,
			Payload:   payload,
		})
	}
	signAll(out, p.ephemeralPriv)
	p.step = StepShareDelivery
	return joinMessages(out)
}

func (p *PeerState) stepShareDelivery(inbound []byte, now uint64) ([]byte, error) {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		ephPK, ok := p.peerEphemeralPK[m.From]
		if !ok {
			p.complained[m.From] = true
			continue
		}
		if err := validate(m, p.vc(MsgShareDelivery, m.From, ephPK, now)); err != nil {
			p.complained[m.From] = true
			continue
		}
		hs, ok := p.asResponder[m.From]
		if !ok || len(m.Payload) < noiseMsg3Len+shareCiphertextBytes+shareTagBytes+shareMACBytes {
			p.complained[m.From] = true
			continue
		}
		msg3 := m.Payload[:noiseMsg3Len]
		rest := m.Payload[noiseMsg3Len:]
		ct := rest[:shareCiphertextBytes]
		tag := rest[shareCiphertextBytes : shareCiphertextBytes+shareTagBytes]
		mac := rest[shareCiphertextBytes+shareTagBytes:]

		binding, err := hs.readMsg3(msg3)
		if err != nil {
			p.complained[m.From] = true
			continue
		}
		keys, err := channelKeysFor(binding, m.From, p.self)
		if err != nil {
			p.complained[m.From] = true
			continue
		}
		shareBytes, err := openShare(keys, ct, tag, mac)
		if err != nil {
			p.complained[m.From] = true
			continue
		}
		var share toprf.Share
		if err := share.UnmarshalBinary(shareBytes); err != nil || share.Index != p.self {
			p.complained[m.From] = true
			continue
		}
		commitments, ok := p.peerCommitments[m.From]
		if !ok {
			p.complained[m.From] = true
			continue
		}
		if err := verifyShare(p.self, commitments, share); err != nil {
			p.complained[m.From] = true
			continue
		}
		p.accept(m)
		p.receivedShares[m.From] = share
	}

	// Self's own share never crosses the wire.
	p.receivedShares[p.self] = p.poly.evalAt(p.self)

	if len(p.receivedShares) == int(p.n) {
		all := make([]toprf.Share, 0, p.n)
		for j := uint8(1); j <= p.n; j++ {
			all = append(all, p.receivedShares[j])
		}
		final, err := sumShares(p.self, all)
		if err != nil {
			return nil, err
		}
		p.finalShare = final
	}

	against := make([]bool, p.n+1) // 1-indexed, index 0 unused
	for j := uint8(1); j <= p.n; j++ {
		against[j] = p.complained[j]
	}
	against = p.corrupt.complaint(against)
	payload := make([]byte, p.n+1)
	for j := range against {
		if against[j] {
			payload[j] = 1
		}
	}
	out := &Message{
		Type:      MsgComplaint,
		From:      p.self,
		To:        RecipientTP,
		Timestamp: now,
		SessionID: p.sessionID,
		Payload:   payload,
	}
	out.Sign(p.ephemeralPriv)
	p.step = StepComplaints
	return mustMarshal(out), nil
}

func (p *PeerState) stepComplaints(inbound []byte, now uint64) ([]byte, error) {
	m := &Message{}
	if err := m.UnmarshalBinary(inbound); err != nil {
		return nil, err
	}
	if err := validate(m, p.vc(MsgComplaintMatrix, SenderTP, p.tpSessionPK, now)); err != nil {
		return nil, err
	}
	p.accept(m)

	rowLen := int(p.n) + 1
	for accuser := uint8(1); accuser <= p.n; accuser++ {
		off := int(accuser) * rowLen
		if off+rowLen > len(m.Payload) {
			return nil, &ProtocolError{Code: ErrLen, Step: uint8(StepComplaints), From: SenderTP}
		}
		if m.Payload[off+int(p.self)] == 1 {
			p.accusedBy[accuser] = true
		}
	}

	var reveal []byte
	if len(p.accusedBy) > 0 {
		accusers := sortedKeys(p.accusedBy)
		for _, acc := range accusers {
			binding := p.corrupt.reveal(p.dealtBinding[acc])
			var lenBuf [2]byte
			binary.BigEndian.PutUint16(lenBuf[:], uint16(len(binding)))
			reveal = append(reveal, acc)
			reveal = append(reveal, lenBuf[:]...)
			reveal = append(reveal, binding...)
		}
	}
	out := &Message{
		Type:      MsgKeyReveal,
		From:      p.self,
		To:        RecipientTP,
		Timestamp: now,
		SessionID: p.sessionID,
		Payload:   reveal,
	}
	out.Sign(p.ephemeralPriv)
	p.step = StepKeyReveal
	return mustMarshal(out), nil
}

func (p *PeerState) stepKeyReveal(inbound []byte, now uint64) ([]byte, error) {
	m := &Message{}
	if err := m.UnmarshalBinary(inbound); err != nil {
		return nil, err
	}
	if err := validate(m, p.vc(MsgAdjudication, SenderTP, p.tpSessionPK, now)); err != nil {
		return nil, err
	}
	p.accept(m)
	records, err := decodeCheaterRecords(m.Payload)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		p.ledger.Record(r.Step, r.Code, r.Peer, r.Reporter, r.InvalidIndex)
	}

	out := &Message{
		Type:      MsgTranscript,
		From:      p.self,
		To:        RecipientTP,
		Timestamp: now,
		SessionID: p.sessionID,
		Payload:   []byte{},
	}
	out.Sign(p.ephemeralPriv)
	p.step = StepTranscript
	return mustMarshal(out), nil
}

func (p *PeerState) stepTranscript(inbound []byte, now uint64) ([]byte, error) {
	m := &Message{}
	if err := m.UnmarshalBinary(inbound); err != nil {
		return nil, err
	}
	if err := validate(m, p.vc(MsgTranscript, SenderTP, p.tpSessionPK, now)); err != nil {
		return nil, err
	}
	own := p.tr.sum()
	if len(m.Payload) != TranscriptBytes {
		return nil, &ProtocolError{Code: ErrLen, Step: uint8(StepTranscript), From: SenderTP}
	}
	for i := range own {
		if own[i] != m.Payload[i] {
			p.mismatch = true
			break
		}
	}
	p.step = StepDone
	return nil, nil
}

func min8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

func max8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

func signAll(msgs []*Message, priv ed25519.PrivateKey) {
	for _, m := range msgs {
		m.Sign(priv)
	}
}

func sortedKeys(m map[uint8]bool) []uint8 {
	out := make([]uint8, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
