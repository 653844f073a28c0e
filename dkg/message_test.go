package dkg

import (
	"crypto/ed25519"
	"testing"

	"github.com/wurp/tpoprf/internal/xrand"
)

func mustKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(xrand.Default)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestMessageMarshalRoundTrip(t *testing.T) {
	pub, priv := mustKey(t)
	var sid [SessionIDBytes]byte
	copy(sid[:], []byte("session-id-for-round-trip-test!"))

	m := &Message{
		Type:      MsgCommitments,
		From:      3,
		To:        RecipientBroadcast,
		Timestamp: 42,
		SessionID: sid,
		Payload:   []byte("some commitment bytes"),
	}
	m.Sign(priv)

	blob, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(blob) != HeaderBytes+len(m.Payload) {
		t.Fatalf("unexpected wire length: got %d, want %d", len(blob), HeaderBytes+len(m.Payload))
	}

	var out Message
	if err := out.UnmarshalBinary(blob); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Type != m.Type || out.From != m.From || out.To != m.To || out.Timestamp != m.Timestamp {
		t.Fatalf("header mismatch: got %+v, want %+v", out, m)
	}
	if out.SessionID != m.SessionID {
		t.Fatalf("session id mismatch")
	}
	if string(out.Payload) != string(m.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", out.Payload, m.Payload)
	}
	if !out.Verify(pub) {
		t.Fatal("signature did not verify after round trip")
	}
}

func TestMessageUnmarshalRejectsTruncation(t *testing.T) {
	_, priv := mustKey(t)
	m := &Message{Type: MsgConfig, From: 0, To: RecipientBroadcast, Timestamp: 1, Payload: []byte("abc")}
	m.Sign(priv)
	blob, _ := m.MarshalBinary()

	var out Message
	if err := out.UnmarshalBinary(blob[:len(blob)-1]); err == nil {
		t.Fatal("expected error unmarshaling a truncated message")
	}
	if err := out.UnmarshalBinary(blob[:HeaderBytes-1]); err == nil {
		t.Fatal("expected error unmarshaling a message shorter than the header")
	}
}

func TestValidateOrderTypeBeforeFrom(t *testing.T) {
	pub, priv := mustKey(t)
	m := &Message{Type: MsgCommitments, From: 2, To: RecipientBroadcast, Timestamp: 10}
	m.Sign(priv)

	err := validate(m, validationContext{
		expectType:      MsgPeerKeys, // wrong type
		expectFrom:      9,           // also wrong sender
		self:            1,
		now:             10,
		epsilon:         5,
		senderSessionPK: pub,
	})
	perr, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("expected *ProtocolError, got %T (%v)", err, err)
	}
	if perr.Code != ErrType {
		t.Fatalf("expected ErrType to win over ErrFrom, got %s", perr.Code)
	}
}

func TestValidateRejectsWrongSender(t *testing.T) {
	pub, priv := mustKey(t)
	m := &Message{Type: MsgCommitments, From: 2, To: RecipientBroadcast, Timestamp: 10}
	m.Sign(priv)

	err := validate(m, validationContext{
		expectType:      MsgCommitments,
		expectFrom:      5,
		self:            1,
		now:             10,
		epsilon:         5,
		senderSessionPK: pub,
	})
	perr, ok := err.(*ProtocolError)
	if !ok || perr.Code != ErrFrom {
		t.Fatalf("expected ErrFrom, got %v", err)
	}
}

func TestValidateRejectsWrongRecipient(t *testing.T) {
	pub, priv := mustKey(t)
	m := &Message{Type: MsgCommitments, From: 2, To: 7, Timestamp: 10}
	m.Sign(priv)

	err := validate(m, validationContext{
		expectType:      MsgCommitments,
		expectFrom:      2,
		self:            1,
		now:             10,
		epsilon:         5,
		senderSessionPK: pub,
	})
	perr, ok := err.(*ProtocolError)
	if !ok || perr.Code != ErrTo {
		t.Fatalf("expected ErrTo, got %v", err)
	}
}

func TestValidateRejectsStaleTimestamp(t *testing.T) {
	pub, priv := mustKey(t)
	m := &Message{Type: MsgCommitments, From: 2, To: RecipientBroadcast, Timestamp: 100}
	m.Sign(priv)

	vc := validationContext{
		expectType:      MsgCommitments,
		expectFrom:      2,
		self:            1,
		now:             200,
		epsilon:         5,
		senderSessionPK: pub,
	}
	if err := validate(m, vc); err == nil {
		t.Fatal("expected ErrExpired for a timestamp far outside the freshness window")
	} else if perr, ok := err.(*ProtocolError); !ok || perr.Code != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	// a timestamp within the window but behind the sender's last accepted
	// timestamp must also be rejected (replay).
	vc2 := validationContext{
		expectType:      MsgCommitments,
		expectFrom:      2,
		self:            1,
		now:             100,
		epsilon:         5,
		lastTS:          150,
		senderSessionPK: pub,
	}
	if err := validate(m, vc2); err == nil {
		t.Fatal("expected ErrExpired for a replayed (regressed) timestamp")
	} else if perr, ok := err.(*ProtocolError); !ok || perr.Code != ErrExpired {
		t.Fatalf("expected ErrExpired for regression, got %v", err)
	}
}

func TestValidateRejectsBadSignature(t *testing.T) {
	otherPub, _ := mustKey(t)
	_, priv := mustKey(t)
	m := &Message{Type: MsgCommitments, From: 2, To: RecipientBroadcast, Timestamp: 10}
	m.Sign(priv)

	err := validate(m, validationContext{
		expectType:      MsgCommitments,
		expectFrom:      2,
		self:            1,
		now:             10,
		epsilon:         5,
		senderSessionPK: otherPub,
	})
	perr, ok := err.(*ProtocolError)
	if !ok || perr.Code != ErrSig {
		t.Fatalf("expected ErrSig, got %v", err)
	}
}

func TestValidateAcceptsGoodMessage(t *testing.T) {
	pub, priv := mustKey(t)
	m := &Message{Type: MsgCommitments, From: 2, To: RecipientBroadcast, Timestamp: 101}
	m.Sign(priv)

	err := validate(m, validationContext{
		expectType:      MsgCommitments,
		expectFrom:      2,
		self:            1,
		now:             100,
		epsilon:         5,
		lastTS:          50,
		senderSessionPK: pub,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestSplitJoinMessagesRoundTrip(t *testing.T) {
	_, priv := mustKey(t)
	var msgs []*Message
	for i := uint8(1); i <= 4; i++ {
		m := &Message{
			Type:      MsgHandshake1,
			From:      i,
			To:        i + 1,
			Timestamp: uint64(i),
			Payload:   []byte{i, i, i},
		}
		m.Sign(priv)
		msgs = append(msgs, m)
	}
	joined, err := joinMessages(msgs)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	split, err := splitMessages(joined)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(split) != len(msgs) {
		t.Fatalf("got %d messages back, want %d", len(split), len(msgs))
	}
	for i, m := range split {
		if m.From != msgs[i].From || m.To != msgs[i].To || string(m.Payload) != string(msgs[i].Payload) {
			t.Fatalf("message %d round-tripped incorrectly: got %+v", i, m)
		}
	}
}

func TestSplitMessagesEmptyInput(t *testing.T) {
	out, err := splitMessages(nil)
	if err != nil {
		t.Fatalf("splitting empty input should not error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no messages, got %d", len(out))
	}
}

func TestSplitMessagesRejectsTruncatedTrailer(t *testing.T) {
	_, priv := mustKey(t)
	m := &Message{Type: MsgHandshake1, From: 1, To: 2, Timestamp: 1, Payload: []byte("xyz")}
	m.Sign(priv)
	blob, _ := m.MarshalBinary()

	if _, err := splitMessages(blob[:len(blob)-2]); err == nil {
		t.Fatal("expected an error splitting a bundle with a truncated trailing message")
	}
}
