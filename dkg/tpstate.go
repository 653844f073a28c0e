package dkg

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/gtank/ristretto255"

	"github.com/wurp/tpoprf/internal/xrand"
	"github.com/wurp/tpoprf/toprf"
)

type pairKey struct{ dealer, recipient uint8 }

type shareRecord struct {
	ciphertext, tag, mac []byte
}

// TPState drives the trusted party's side of the protocol. It never learns
// the group secret; the only shares it sees are those it decrypts while
// adjudicating a complaint. Its job is relaying signed peer traffic,
// aggregating the complaint and key-reveal rounds, and adjudicating
// accusations.
type TPState struct {
	step Step
	n, t uint8

	sessionID [SessionIDBytes]byte
	epsilon   uint64
	lastTS    map[uint8]uint64

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	peerLongTermPK  map[uint8]ed25519.PublicKey
	peerEphemeralPK map[uint8]ed25519.PublicKey
	commitments     map[uint8][]*ristretto255.Element
	shareCipher     map[pairKey]shareRecord

	complaints [][]bool // [accuser][accused], 1-indexed, size (n+1)x(n+1)

	ledger *Ledger
	tr     *transcript

	lastBroadcast    []byte
	lastPeerMsgs     map[uint8][]byte
	lastWasBroadcast bool
}

// NewTPState constructs an un-started TP for an n-peer, t-threshold
// session. longTermRoster is the externally-known map of peer index to
// long-term Ed25519 public key.
func NewTPState(n, t uint8, longTermRoster map[uint8]ed25519.PublicKey, src xrand.Source, epsilon uint64) (*TPState, error) {
	pub, priv, err := ed25519.GenerateKey(src)
	if err != nil {
		return nil, err
	}
	var sid [SessionIDBytes]byte
	sidBytes, err := xrand.Bytes(src, SessionIDBytes)
	if err != nil {
		return nil, err
	}
	copy(sid[:], sidBytes)

	complaints := make([][]bool, n+1)
	for i := range complaints {
		complaints[i] = make([]bool, n+1)
	}

	return &TPState{
		step:            StepConfig,
		n:               n,
		t:               t,
		sessionID:       sid,
		epsilon:         epsilon,
		lastTS:          make(map[uint8]uint64),
		priv:            priv,
		pub:             pub,
		peerLongTermPK:  longTermRoster,
		peerEphemeralPK: make(map[uint8]ed25519.PublicKey),
		commitments:     make(map[uint8][]*ristretto255.Element),
		shareCipher:     make(map[pairKey]shareRecord),
		complaints:      complaints,
		ledger:          NewLedger(int(t)*int(t) + 1),
	}, nil
}

func (tp *TPState) Step() Step          { return tp.step }
func (tp *TPState) NotDone() bool       { return tp.step != StepDone }
func (tp *TPState) Ledger() *Ledger     { return tp.ledger }
func (tp *TPState) SessionID() [32]byte { return tp.sessionID }

// Broadcast returns the round output when the just-completed step was
// broadcast-shaped.
func (tp *TPState) Broadcast() []byte { return tp.lastBroadcast }

// PeerMsg slices the round output addressed to recipient i, for steps whose
// output is per-peer fan-out rather than a single broadcast.
func (tp *TPState) PeerMsg(i uint8) []byte { return tp.lastPeerMsgs[i] }

// LastWasBroadcast reports which of Broadcast/PeerMsg is valid after the
// most recent Next call.
func (tp *TPState) LastWasBroadcast() bool { return tp.lastWasBroadcast }

func (tp *TPState) broadcast(typ MsgType, now uint64, payload []byte) {
	m := &Message{
		Type:      typ,
		From:      SenderTP,
		To:        RecipientBroadcast,
		Timestamp: now,
		SessionID: tp.sessionID,
		Payload:   payload,
	}
	m.Sign(tp.priv)
	tp.tr.append(mustMarshal(m))
	tp.lastBroadcast = mustMarshal(m)
	tp.lastPeerMsgs = nil
	tp.lastWasBroadcast = true
}

// Next advances the TP by one round. inbound is the concatenation of every
// peer's submission for the round about to be processed (empty for the
// first call, which only produces the config broadcast).
func (tp *TPState) Next(inbound []byte, now uint64) error {
	switch tp.step {
	case StepConfig:
		return tp.stepConfig(now)
	case StepPeerKeys:
		return tp.stepPeerKeys(inbound, now)
	case StepCommitments:
		return tp.stepCommitments(inbound, now)
	case StepHandshake1:
		return tp.stepFanout(inbound, MsgHandshake1, StepHandshake1, now)
	case StepHandshake2:
		return tp.stepFanout(inbound, MsgHandshake2, StepHandshake2, now)
	case StepShareDelivery:
		return tp.stepShareDelivery(inbound, now)
	case StepComplaints:
		return tp.stepComplaints(inbound, now)
	case StepKeyReveal:
		return tp.stepKeyReveal(inbound, now)
	case StepTranscript:
		return tp.stepTranscript(inbound, now)
	default:
		return errors.New("dkg: TP Next called after completion")
	}
}

func (tp *TPState) stepConfig(now uint64) error {
	tp.tr = newTranscript()
	payload := make([]byte, 0, 2+ed25519.PublicKeySize)
	payload = append(payload, tp.n, tp.t)
	payload = append(payload, tp.pub...)
	tp.broadcast(MsgConfig, now, payload)
	tp.step = StepPeerKeys
	return nil
}

func (tp *TPState) stepPeerKeys(inbound []byte, now uint64) error {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		longTermPK, ok := tp.peerLongTermPK[m.From]
		if !ok {
			return &ProtocolError{Code: ErrFrom, Step: uint8(StepPeerKeys), From: m.From}
		}
		if err := validate(m, tp.vc(MsgPeerKeys, m.From, longTermPK, now)); err != nil {
			return err
		}
		if len(m.Payload) != ed25519.PublicKeySize+32 {
			return &ProtocolError{Code: ErrLen, Step: uint8(StepPeerKeys), From: m.From}
		}
	}
	// Every message in the batch validated; commit only now, so a framing
	// failure never leaves earlier messages' state applied (spec.md §7).
	for _, m := range msgs {
		tp.peerEphemeralPK[m.From] = ed25519.PublicKey(append([]byte(nil), m.Payload[:ed25519.PublicKeySize]...))
		tp.lastTS[m.From] = m.Timestamp
	}
	out, err := joinMessages(msgs)
	if err != nil {
		return err
	}
	tp.tr.append(out)
	tp.lastBroadcast = out
	tp.lastPeerMsgs = nil
	tp.lastWasBroadcast = true
	tp.step = StepCommitments
	return nil
}

func (tp *TPState) stepCommitments(inbound []byte, now uint64) error {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return err
	}
	decoded := make([][]*ristretto255.Element, len(msgs))
	for i, m := range msgs {
		ephPK, ok := tp.peerEphemeralPK[m.From]
		if !ok {
			return &ProtocolError{Code: ErrFrom, Step: uint8(StepCommitments), From: m.From}
		}
		if err := validate(m, tp.vc(MsgCommitments, m.From, ephPK, now)); err != nil {
			return err
		}
		commitments, err := decodeCommitments(m.Payload, int(tp.t))
		if err != nil {
			return &ProtocolError{Code: ErrLen, Step: uint8(StepCommitments), From: m.From, Err: err}
		}
		decoded[i] = commitments
	}
	// Every message in the batch validated and decoded; commit only now, so
	// a later message's failure never leaves an earlier one's state applied.
	for i, m := range msgs {
		tp.commitments[m.From] = decoded[i]
		tp.lastTS[m.From] = m.Timestamp
	}
	out, err := joinMessages(msgs)
	if err != nil {
		return err
	}
	tp.tr.append(out)
	tp.lastBroadcast = out
	tp.lastPeerMsgs = nil
	tp.lastWasBroadcast = true
	tp.step = StepHandshake1
	return nil
}

// stepFanout demuxes a batch of pairwise messages by their To field and
// rebuilds one bucket per recipient. Used by the two Noise handshake
// rounds, whose TP output is per-peer rather than broadcast and never
// enters the transcript.
func (tp *TPState) stepFanout(inbound []byte, typ MsgType, step Step, now uint64) error {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return err
	}
	buckets := make(map[uint8][]*Message)
	for _, m := range msgs {
		ephPK, ok := tp.peerEphemeralPK[m.From]
		if !ok {
			return &ProtocolError{Code: ErrFrom, Step: uint8(step), From: m.From}
		}
		if m.Type != typ {
			return &ProtocolError{Code: ErrType, Step: uint8(step), From: m.From}
		}
		if !m.Verify(ephPK) {
			return &ProtocolError{Code: ErrSig, Step: uint8(step), From: m.From}
		}
		buckets[m.To] = append(buckets[m.To], m)
	}
	for _, m := range msgs {
		tp.lastTS[m.From] = m.Timestamp
	}
	perPeer := make(map[uint8][]byte, len(buckets))
	for r, bucket := range buckets {
		b, err := joinMessages(bucket)
		if err != nil {
			return err
		}
		perPeer[r] = b
	}
	tp.lastBroadcast = nil
	tp.lastPeerMsgs = perPeer
	tp.lastWasBroadcast = false
	if step == StepHandshake1 {
		tp.step = StepHandshake2
	} else {
		tp.step = StepShareDelivery
	}
	return nil
}

func (tp *TPState) stepShareDelivery(inbound []byte, now uint64) error {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return err
	}
	buckets := make(map[uint8][]*Message)
	for _, m := range msgs {
		ephPK, ok := tp.peerEphemeralPK[m.From]
		if !ok {
			return &ProtocolError{Code: ErrFrom, Step: uint8(StepShareDelivery), From: m.From}
		}
		if m.Type != MsgShareDelivery {
			return &ProtocolError{Code: ErrType, Step: uint8(StepShareDelivery), From: m.From}
		}
		if !m.Verify(ephPK) {
			return &ProtocolError{Code: ErrSig, Step: uint8(StepShareDelivery), From: m.From}
		}
	}
	// Every message in the batch passed its checks; commit only now.
	for _, m := range msgs {
		buckets[m.To] = append(buckets[m.To], m)
		tp.lastTS[m.From] = m.Timestamp

		if len(m.Payload) >= noiseMsg3Len+shareCiphertextBytes+shareTagBytes+shareMACBytes {
			rest := m.Payload[noiseMsg3Len:]
			tp.shareCipher[pairKey{dealer: m.From, recipient: m.To}] = shareRecord{
				ciphertext: append([]byte(nil), rest[:shareCiphertextBytes]...),
				tag:        append([]byte(nil), rest[shareCiphertextBytes:shareCiphertextBytes+shareTagBytes]...),
				mac:        append([]byte(nil), rest[shareCiphertextBytes+shareTagBytes:]...),
			}
		}
	}
	perPeer := make(map[uint8][]byte, len(buckets))
	for r, bucket := range buckets {
		b, err := joinMessages(bucket)
		if err != nil {
			return err
		}
		perPeer[r] = b
	}
	tp.lastBroadcast = nil
	tp.lastPeerMsgs = perPeer
	tp.lastWasBroadcast = false
	tp.step = StepComplaints
	return nil
}

func (tp *TPState) stepComplaints(inbound []byte, now uint64) error {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		ephPK, ok := tp.peerEphemeralPK[m.From]
		if !ok {
			return &ProtocolError{Code: ErrFrom, Step: uint8(StepComplaints), From: m.From}
		}
		if err := validate(m, tp.vc(MsgComplaint, m.From, ephPK, now)); err != nil {
			return err
		}
		if len(m.Payload) != int(tp.n)+1 {
			return &ProtocolError{Code: ErrLen, Step: uint8(StepComplaints), From: m.From}
		}
	}
	// Every complaint in the batch validated; commit only now.
	for _, m := range msgs {
		for accused := uint8(1); accused <= tp.n; accused++ {
			if m.Payload[accused] == 1 {
				tp.complaints[m.From][accused] = true
			}
		}
		tp.lastTS[m.From] = m.Timestamp
	}

	rowLen := int(tp.n) + 1
	payload := make([]byte, rowLen*rowLen)
	for accuser := uint8(1); accuser <= tp.n; accuser++ {
		off := int(accuser) * rowLen
		for accused := uint8(1); accused <= tp.n; accused++ {
			if tp.complaints[accuser][accused] {
				payload[off+int(accused)] = 1
			}
		}
	}
	tp.broadcast(MsgComplaintMatrix, now, payload)
	tp.step = StepKeyReveal
	return nil
}

type reveal struct {
	accuser uint8
	binding []byte
}

func (tp *TPState) stepKeyReveal(inbound []byte, now uint64) error {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return err
	}

	revealsByDealer := make(map[uint8][]reveal)
	for _, m := range msgs {
		ephPK, ok := tp.peerEphemeralPK[m.From]
		if !ok {
			tp.ledger.Record(uint8(StepKeyReveal), KeyRevealFrameCheater(ErrFrom), m.From, NoReporter, 0)
			continue
		}
		if err := validate(m, tp.vc(MsgKeyReveal, m.From, ephPK, now)); err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				tp.ledger.Record(uint8(StepKeyReveal), KeyRevealFrameCheater(perr.Code), m.From, NoReporter, 0)
			}
			continue
		}
		tp.lastTS[m.From] = m.Timestamp
		revs, err := decodeReveals(m.Payload)
		if err != nil {
			tp.ledger.Record(uint8(StepKeyReveal), CheaterMalformedReveal, m.From, NoReporter, 0)
			continue
		}
		revealsByDealer[m.From] = revs
	}

	for accuser := uint8(1); accuser <= tp.n; accuser++ {
		for accused := uint8(1); accused <= tp.n; accused++ {
			if !tp.complaints[accuser][accused] {
				continue
			}
			tp.adjudicate(accuser, accused, revealsByDealer)
		}
	}

	// Any revealed pair nobody complained about is itself suspicious.
	for dealer, revs := range revealsByDealer {
		for _, r := range revs {
			if !tp.complaints[r.accuser][dealer] {
				tp.ledger.Record(uint8(StepKeyReveal), CheaterUnexpectedReveal, dealer, NoReporter, 0)
			}
		}
	}

	tp.broadcast(MsgAdjudication, now, encodeCheaterRecords(tp.ledger.Records()))
	tp.step = StepTranscript
	return nil
}

// adjudicate resolves a single accuser/accused pair using the accused's
// revealed channel binding.
func (tp *TPState) adjudicate(accuser, accused uint8, revealsByDealer map[uint8][]reveal) {
	var binding []byte
	for _, r := range revealsByDealer[accused] {
		if r.accuser == accuser {
			binding = r.binding
			break
		}
	}
	if binding == nil {
		tp.ledger.Record(uint8(StepKeyReveal), CheaterUnansweredComplaint, accused, accuser, 0)
		return
	}

	rec, ok := tp.shareCipher[pairKey{dealer: accused, recipient: accuser}]
	if !ok {
		tp.ledger.Record(uint8(StepKeyReveal), CheaterMalformedReveal, accused, accuser, 0)
		return
	}
	keys, err := channelKeysFor(binding, accused, accuser)
	if err != nil {
		tp.ledger.Record(uint8(StepKeyReveal), CheaterMalformedReveal, accused, accuser, 0)
		return
	}
	shareBytes, err := openShare(keys, rec.ciphertext, rec.tag, rec.mac)
	if err != nil {
		// Decryption/HMAC failure on re-verification is a framing-shaped
		// failure of the original share-delivery message, not proof the
		// dealt value itself was wrong: keep it out of the 129 range.
		tp.ledger.Record(uint8(StepKeyReveal), ShareDeliveryFrameCheater(ErrSig), accused, accuser, accuser)
		return
	}
	var share toprf.Share
	if err := share.UnmarshalBinary(shareBytes); err != nil || share.Index != accuser {
		tp.ledger.Record(uint8(StepKeyReveal), ShareDeliveryFrameCheater(ErrLen), accused, accuser, accuser)
		return
	}
	commitments, ok := tp.commitments[accused]
	if !ok {
		tp.ledger.Record(uint8(StepKeyReveal), CheaterMalformedReveal, accused, accuser, 0)
		return
	}
	if err := verifyShare(accuser, commitments, share); err != nil {
		tp.ledger.Record(uint8(StepKeyReveal), CheaterProvenCheat, accused, accuser, accuser)
		return
	}
	tp.ledger.Record(uint8(StepKeyReveal), CheaterFalseComplaint, accuser, accused, accused)
}

func decodeReveals(data []byte) ([]reveal, error) {
	var out []reveal
	for len(data) > 0 {
		if len(data) < 3 {
			return nil, errors.New("dkg: truncated key reveal entry")
		}
		accuser := data[0]
		length := int(binary.BigEndian.Uint16(data[1:3]))
		data = data[3:]
		if len(data) < length {
			return nil, errors.New("dkg: truncated key reveal binding")
		}
		out = append(out, reveal{accuser: accuser, binding: append([]byte(nil), data[:length]...)})
		data = data[length:]
	}
	return out, nil
}

func (tp *TPState) vc(expect MsgType, from uint8, senderPK ed25519.PublicKey, now uint64) validationContext {
	return validationContext{
		expectType:      expect,
		expectFrom:      from,
		self:            SenderTP,
		now:             now,
		epsilon:         tp.epsilon,
		lastTS:          tp.lastTS[from],
		senderSessionPK: senderPK,
	}
}

// stepTranscript consumes each peer's acknowledgement of the adjudication
// round (their signed, empty-payload MsgTranscript messages) and responds
// with the TP's own running transcript hash. The acknowledgements
// themselves need no content check beyond
// framing validation: their only purpose is to let every peer reach this
// round before the TP reveals the value peers will compare against.
func (tp *TPState) stepTranscript(inbound []byte, now uint64) error {
	msgs, err := splitMessages(inbound)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		ephPK, ok := tp.peerEphemeralPK[m.From]
		if !ok {
			return &ProtocolError{Code: ErrFrom, Step: uint8(StepTranscript), From: m.From}
		}
		if err := validate(m, tp.vc(MsgTranscript, m.From, ephPK, now)); err != nil {
			return err
		}
	}
	for _, m := range msgs {
		tp.lastTS[m.From] = m.Timestamp
	}
	sum := tp.tr.sum()
	tp.broadcast(MsgTranscript, now, sum[:])
	tp.step = StepDone
	return nil
}
