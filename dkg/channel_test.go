package dkg

import (
	"testing"

	"github.com/wurp/tpoprf/internal/xrand"
)

// runHandshake drives a full XK handshake between an initiator and
// responder pair entirely in-process and returns both sides' channel
// binding values, which must agree.
func runHandshake(t *testing.T) (initBinding, respBinding []byte) {
	t.Helper()
	initKey, err := GenerateHandshakeKeypair(xrand.Default)
	if err != nil {
		t.Fatalf("generate initiator handshake key: %v", err)
	}
	respKey, err := GenerateHandshakeKeypair(xrand.Default)
	if err != nil {
		t.Fatalf("generate responder handshake key: %v", err)
	}

	init, err := newInitiatorHandshake(initKey, respKey.Public, 1, 2)
	if err != nil {
		t.Fatalf("new initiator handshake: %v", err)
	}
	resp, err := newResponderHandshake(respKey, 1, 2)
	if err != nil {
		t.Fatalf("new responder handshake: %v", err)
	}

	msg1, err := init.writeMsg1()
	if err != nil {
		t.Fatalf("write msg1: %v", err)
	}
	if err := resp.readMsg1(msg1); err != nil {
		t.Fatalf("read msg1: %v", err)
	}

	msg2, err := resp.writeMsg2()
	if err != nil {
		t.Fatalf("write msg2: %v", err)
	}
	if err := init.readMsg2(msg2); err != nil {
		t.Fatalf("read msg2: %v", err)
	}

	msg3, ib, err := init.writeMsg3()
	if err != nil {
		t.Fatalf("write msg3: %v", err)
	}
	if len(msg3) != noiseMsg3Len {
		t.Fatalf("msg3 length %d, want %d", len(msg3), noiseMsg3Len)
	}
	rb, err := resp.readMsg3(msg3)
	if err != nil {
		t.Fatalf("read msg3: %v", err)
	}
	return ib, rb
}

func TestHandshakeChannelBindingAgrees(t *testing.T) {
	ib, rb := runHandshake(t)
	if len(ib) == 0 || len(rb) == 0 {
		t.Fatal("expected non-empty channel bindings")
	}
	if string(ib) != string(rb) {
		t.Fatal("initiator and responder derived different channel bindings")
	}
}

func TestChannelKeysForPicksDirection(t *testing.T) {
	binding, _ := runHandshake(t)
	lowToHigh, err := channelKeysFor(binding, 1, 2)
	if err != nil {
		t.Fatalf("channelKeysFor(1,2): %v", err)
	}
	highToLow, err := channelKeysFor(binding, 2, 1)
	if err != nil {
		t.Fatalf("channelKeysFor(2,1): %v", err)
	}
	if lowToHigh.aeadKey == highToLow.aeadKey {
		t.Fatal("the two directions of the same pairwise channel must not share an AEAD key")
	}
	// Calling with the same ordered pair twice must be deterministic.
	again, err := channelKeysFor(binding, 1, 2)
	if err != nil {
		t.Fatalf("channelKeysFor(1,2) again: %v", err)
	}
	if again.aeadKey != lowToHigh.aeadKey || again.macKey != lowToHigh.macKey {
		t.Fatal("channelKeysFor must be deterministic given the same binding and direction")
	}
}

func TestSealOpenShareRoundTrip(t *testing.T) {
	binding, _ := runHandshake(t)
	keys, err := channelKeysFor(binding, 1, 2)
	if err != nil {
		t.Fatalf("channelKeysFor: %v", err)
	}
	share := make([]byte, shareCiphertextBytes)
	for i := range share {
		share[i] = byte(i)
	}
	ct, tag, mac, err := sealShare(keys, share)
	if err != nil {
		t.Fatalf("sealShare: %v", err)
	}
	opened, err := openShare(keys, ct, tag, mac)
	if err != nil {
		t.Fatalf("openShare: %v", err)
	}
	if string(opened) != string(share) {
		t.Fatal("opened share does not match what was sealed")
	}
}

func TestOpenShareRejectsTamperedMAC(t *testing.T) {
	binding, _ := runHandshake(t)
	keys, _ := channelKeysFor(binding, 1, 2)
	share := make([]byte, shareCiphertextBytes)
	ct, tag, mac, err := sealShare(keys, share)
	if err != nil {
		t.Fatalf("sealShare: %v", err)
	}
	tampered := append([]byte(nil), mac...)
	tampered[0] ^= 0xff
	if _, err := openShare(keys, ct, tag, tampered); err == nil {
		t.Fatal("expected openShare to reject a tampered key-committing MAC")
	}
}

func TestOpenShareRejectsWrongDirectionKeys(t *testing.T) {
	binding, _ := runHandshake(t)
	dealKeys, _ := channelKeysFor(binding, 1, 2)
	wrongKeys, _ := channelKeysFor(binding, 2, 1)
	share := make([]byte, shareCiphertextBytes)
	ct, tag, mac, err := sealShare(dealKeys, share)
	if err != nil {
		t.Fatalf("sealShare: %v", err)
	}
	if _, err := openShare(wrongKeys, ct, tag, mac); err == nil {
		t.Fatal("expected openShare to reject the other direction's keys")
	}
}

func TestSealShareRejectsWrongLength(t *testing.T) {
	binding, _ := runHandshake(t)
	keys, _ := channelKeysFor(binding, 1, 2)
	if _, _, _, err := sealShare(keys, []byte("too short")); err == nil {
		t.Fatal("expected sealShare to reject a share of the wrong length")
	}
}
