package dkg

import (
	"hash"

	"golang.org/x/crypto/blake2b"
)

// TranscriptBytes is the digest size of the running transcript hash.
const TranscriptBytes = 64

// transcript is the running hash over every broadcast-shaped message a
// participant has seen. Pairwise messages (handshake traffic, wrapped
// shares) are never appended, only material every honest participant is
// supposed to see identically, so hash equality at termination proves a
// common view of the broadcast channel.
type transcript struct {
	h hash.Hash
}

func newTranscript() *transcript {
	h, _ := blake2b.New512(nil) // nil key, never errors
	return &transcript{h: h}
}

// append folds broadcast-shaped bytes into the running hash.
func (t *transcript) append(b []byte) {
	t.h.Write(b)
}

// sum returns the current 64-byte digest without resetting the hash.
func (t *transcript) sum() [TranscriptBytes]byte {
	var out [TranscriptBytes]byte
	copy(out[:], t.h.Sum(nil))
	return out
}
