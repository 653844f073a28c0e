package dkg

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// This file implements the per-pair secure-channel mesh: one Noise XK
// handshake per ordered pair, followed by AEAD-sealed, key-committing-MAC'd
// share delivery over it. The XK-pattern authenticated handshake
// ("initiator authenticates to a responder whose static key is already
// known") is provided by github.com/flynn/noise, a Noise Protocol
// Framework implementation. Once the handshake completes, its
// channel-binding value is used purely as HKDF input-keying material for
// two independent application secrets: an XChaCha20-Poly1305 AEAD key and
// a key-committing HMAC-SHA256 key. This avoids reusing the handshake's own
// transport CipherStates directly, so that the "invisible salamander"
// defense (a forced key reveal binds to exactly one ciphertext) does not
// depend on any internal Noise state this package cannot inspect.
//
// Shares only ever flow once per ordered pair per session, so each derived
// AEAD key is single-use; the channel uses an explicit all-zero nonce
// rather than threading a nonce field through the wire format.

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// HandshakeKeypair is a peer's per-session X25519 keypair used only for the
// Noise handshake.
type HandshakeKeypair = noise.DHKey

// GenerateHandshakeKeypair draws a fresh X25519 keypair from src.
func GenerateHandshakeKeypair(src io.Reader) (HandshakeKeypair, error) {
	return noise.DH25519.GenerateKeypair(src)
}

// handshake wraps one side of one pairwise XK session.
type handshake struct {
	state       *noise.HandshakeState
	initiator   bool
	peerOrdLow  uint8 // the lower of the two peer indices in this pair
	peerOrdHigh uint8 // the higher of the two peer indices in this pair
}

// newInitiatorHandshake starts the initiator side of an XK handshake: the
// initiator must already know the responder's static (handshake) public
// key, published during the peer-keys broadcast step.
func newInitiatorHandshake(local HandshakeKeypair, remoteStatic []byte, low, high uint8) (*handshake, error) {
	st, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXK,
		Initiator:     true,
		StaticKeypair: local,
		PeerStatic:    remoteStatic,
	})
	if err != nil {
		return nil, err
	}
	return &handshake{state: st, initiator: true, peerOrdLow: low, peerOrdHigh: high}, nil
}

// newResponderHandshake starts the responder side.
func newResponderHandshake(local HandshakeKeypair, low, high uint8) (*handshake, error) {
	st, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXK,
		Initiator:     false,
		StaticKeypair: local,
	})
	if err != nil {
		return nil, err
	}
	return &handshake{state: st, initiator: false, peerOrdLow: low, peerOrdHigh: high}, nil
}

// writeMsg1 produces the initiator's first handshake message (-> e, es).
func (h *handshake) writeMsg1() ([]byte, error) {
	msg, _, _, err := h.state.WriteMessage(nil, nil)
	return msg, err
}

// readMsg1 consumes the responder's view of message 1.
func (h *handshake) readMsg1(msg []byte) error {
	_, _, _, err := h.state.ReadMessage(nil, msg)
	return err
}

// writeMsg2 produces the responder's second handshake message
// (<- e, ee).
func (h *handshake) writeMsg2() ([]byte, error) {
	msg, _, _, err := h.state.WriteMessage(nil, nil)
	return msg, err
}

// readMsg2 consumes the initiator's view of message 2.
func (h *handshake) readMsg2(msg []byte) error {
	_, _, _, err := h.state.ReadMessage(nil, msg)
	return err
}

// writeMsg3 produces the initiator's final handshake message
// (-> s, se), completing the handshake and returning channel-binding
// material derived from the transcript hash.
func (h *handshake) writeMsg3() (msg []byte, binding []byte, err error) {
	msg, _, _, err = h.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return msg, h.state.ChannelBinding(), nil
}

// readMsg3 consumes the responder's view of the final handshake message,
// completing the handshake and returning the same channel-binding value
// the initiator computed.
func (h *handshake) readMsg3(msg []byte) (binding []byte, err error) {
	if _, _, _, err = h.state.ReadMessage(nil, msg); err != nil {
		return nil, err
	}
	return h.state.ChannelBinding(), nil
}

// channelKeys holds the two application secrets derived from one
// completed handshake: the AEAD key sealing a share in the direction
// peerOrdLow -> peerOrdHigh (or the reverse), and the key-committing MAC
// key bound to the same direction.
type channelKeys struct {
	aeadKey [32]byte
	macKey  [32]byte
}

// deriveChannelKeys expands the handshake's channel-binding value into the
// two directional key sets a pairwise session needs: one for the share
// flowing low->high, one for the share flowing high->low. Using HKDF with
// distinct info strings (rather than reusing the Noise transport keys)
// keeps the AEAD/MAC schedule independent of anything internal to the
// handshake library.
func deriveChannelKeys(binding []byte, low, high uint8) (lowToHigh, highToLow channelKeys, err error) {
	derive := func(info string) ([32]byte, error) {
		var out [32]byte
		r := hkdf.New(sha256.New, binding, nil, []byte(info))
		if _, err := io.ReadFull(r, out[:]); err != nil {
			return out, err
		}
		return out, nil
	}

	infoPrefix := func(dir string) string {
		return fmt.Sprintf("tpoprf-share-%s-%d-%d", dir, low, high)
	}

	if lowToHigh.aeadKey, err = derive(infoPrefix("lo2hi") + "-aead"); err != nil {
		return
	}
	if lowToHigh.macKey, err = derive(infoPrefix("lo2hi") + "-mac"); err != nil {
		return
	}
	if highToLow.aeadKey, err = derive(infoPrefix("hi2lo") + "-aead"); err != nil {
		return
	}
	if highToLow.macKey, err = derive(infoPrefix("hi2lo") + "-mac"); err != nil {
		return
	}
	return
}

// wrappedShareBytes is the msg8 trailer shape: 33-byte ciphertext, 16-byte
// AEAD tag, 32-byte key-committing HMAC.
const (
	shareCiphertextBytes = 33
	shareTagBytes        = 16
	shareMACBytes        = 32
)

// noiseMsg3Len is the wire length of an XK pattern's final handshake
// message (-> s, se): a 32-byte encrypted static key, its 16-byte AEAD tag,
// and a 16-byte AEAD tag on the (empty) payload.
const noiseMsg3Len = 32 + 16 + 16

// channelKeysFor returns the channelKeys governing messages flowing from
// sender to recipient over their shared pairwise channel, regardless of
// which of the two was the handshake initiator.
func channelKeysFor(binding []byte, sender, recipient uint8) (channelKeys, error) {
	lowToHigh, highToLow, err := deriveChannelKeys(binding, min8(sender, recipient), max8(sender, recipient))
	if err != nil {
		return channelKeys{}, err
	}
	if sender < recipient {
		return lowToHigh, nil
	}
	return highToLow, nil
}

var zeroNonce [24]byte

// sealShare encrypts a 33-byte marshaled Share under k.aeadKey and computes
// the key-committing HMAC over the resulting ciphertext||tag under
// k.macKey.
func sealShare(k channelKeys, share []byte) (ciphertext, tag, mac []byte, err error) {
	if len(share) != shareCiphertextBytes {
		return nil, nil, nil, errors.New("dkg: share must be 33 bytes before sealing")
	}
	aead, err := chacha20poly1305.NewX(k.aeadKey[:])
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := aead.Seal(nil, zeroNonce[:], share, nil)
	ciphertext = sealed[:shareCiphertextBytes]
	tag = sealed[shareCiphertextBytes:]

	h := hmac.New(sha256.New, k.macKey[:])
	h.Write(sealed)
	mac = h.Sum(nil)
	return ciphertext, tag, mac, nil
}

// openShare verifies the key-committing HMAC first (so a mismatched MAC
// never even reaches the AEAD, true to the "bind to exactly one ciphertext"
// defense) and only then decrypts.
func openShare(k channelKeys, ciphertext, tag, mac []byte) ([]byte, error) {
	sealed := append(append([]byte(nil), ciphertext...), tag...)

	h := hmac.New(sha256.New, k.macKey[:])
	h.Write(sealed)
	expected := h.Sum(nil)
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return nil, errors.New("dkg: key-committing MAC mismatch")
	}

	aead, err := chacha20poly1305.NewX(k.aeadKey[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, zeroNonce[:], sealed, nil)
}

// PeerFree exists for API stability with the "allocate / free" contract a
// C-based embedded handshake library would need for its long-lived heap.
// flynn/noise's handshake state is ordinary garbage-collected Go memory, so
// there is nothing to release; this is a no-op.
func PeerFree(*handshake) {}
