// Command tpdkg-sim drives a trusted-party orchestrated DKG session
// in-process, for exercising the protocol without a real network.
package main

import (
	"crypto/ed25519"
	"fmt"
	"log"
	"os"

	"github.com/gtank/ristretto255"
	"github.com/spf13/cobra"

	"github.com/wurp/tpoprf/dkg"
	"github.com/wurp/tpoprf/internal/xrand"
	"github.com/wurp/tpoprf/toprf"
)

var (
	numPeers          int
	threshold         int
	epsilon           uint64
	corruptPeer       int
	corruptShare      int
	corruptCommitment int
)

var rootCmd = &cobra.Command{
	Use:   "tpdkg-sim",
	Short: "Simulate a trusted-party orchestrated threshold DKG session",
	Long: `tpdkg-sim runs a complete TP-orchestrated Distributed Key Generation
session against an in-process TP and N simulated peers, printing each
round as it completes and reporting the resulting cheater ledger.`,
	RunE: runSimulation,
}

func init() {
	rootCmd.Flags().IntVarP(&numPeers, "peers", "n", 5, "number of participants")
	rootCmd.Flags().IntVarP(&threshold, "threshold", "t", 3, "reconstruction threshold")
	rootCmd.Flags().Uint64VarP(&epsilon, "epsilon", "e", 1000, "freshness window for message timestamps")
	rootCmd.Flags().IntVar(&corruptPeer, "corrupt-dealer", 0, "if set, this peer deals a bad share (1-indexed, 0 disables)")
	rootCmd.Flags().IntVar(&corruptShare, "corrupt-recipient", 0, "the recipient of the corrupted share (required with --corrupt-dealer)")
	rootCmd.Flags().IntVar(&corruptCommitment, "corrupt-commitment", 0, "if set, this peer broadcasts a commitment vector that no longer matches its dealt shares (1-indexed, 0 disables)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSimulation(cmd *cobra.Command, args []string) error {
	n := uint8(numPeers)
	t := uint8(threshold)
	if threshold < 1 || numPeers < threshold {
		return fmt.Errorf("threshold must satisfy 1 <= t <= n (got t=%d, n=%d)", threshold, numPeers)
	}

	fmt.Printf("simulating a %d-party, threshold-%d DKG session\n", n, t)

	roster := make(map[uint8]ed25519.PublicKey, n)
	longTermPriv := make(map[uint8]ed25519.PrivateKey, n)
	for i := uint8(1); i <= n; i++ {
		pub, priv, err := ed25519.GenerateKey(xrand.Default)
		if err != nil {
			return fmt.Errorf("peer %d: generate long-term key: %w", i, err)
		}
		roster[i] = pub
		longTermPriv[i] = priv
	}

	hooks := buildCorruptionHooks(n)

	tp, err := dkg.NewTPState(n, t, roster, xrand.Default, epsilon)
	if err != nil {
		return fmt.Errorf("create TP: %w", err)
	}
	peers := make(map[uint8]*dkg.PeerState, n)
	for i := uint8(1); i <= n; i++ {
		p, err := dkg.NewPeerState(i, n, t, longTermPriv[i], roster, xrand.Default, epsilon, hooks[i])
		if err != nil {
			return fmt.Errorf("create peer %d: %w", i, err)
		}
		peers[i] = p
	}

	var now uint64
	tick := func() uint64 { now++; return now }

	if err := tp.Next(nil, tick()); err != nil {
		return fmt.Errorf("TP config round: %w", err)
	}

	round := 0
	for tp.NotDone() {
		round++
		var inbound []byte
		for i := uint8(1); i <= n; i++ {
			var in []byte
			if tp.LastWasBroadcast() {
				in = tp.Broadcast()
			} else {
				in = tp.PeerMsg(i)
			}
			out, err := peers[i].Next(in, tick())
			if err != nil {
				return fmt.Errorf("round %d, peer %d: %w", round, i, err)
			}
			inbound = append(inbound, out...)
		}
		if err := tp.Next(inbound, tick()); err != nil {
			return fmt.Errorf("round %d, TP: %w", round, err)
		}
		log.Printf("round %d complete (%s)", round, tp.Step())
	}

	ledger := tp.Ledger()
	if !ledger.Empty() {
		fmt.Println("\ncheater ledger:")
		fmt.Println(ledger.String())
	} else {
		fmt.Println("\nsession completed with no cheater records")
	}

	finalShares := make(map[uint8]toprf.Share, n)
	mismatches := 0
	for i := uint8(1); i <= n; i++ {
		if peers[i].Mismatch() {
			mismatches++
			continue
		}
		finalShares[i] = peers[i].FinalShare()
	}
	if mismatches > 0 {
		return fmt.Errorf("%d peer(s) reported a transcript mismatch", mismatches)
	}

	if ledger.Empty() {
		idxs := make([]uint8, 0, t)
		for i := uint8(1); i <= t; i++ {
			idxs = append(idxs, i)
		}
		shares := make([]toprf.Share, 0, t)
		for _, idx := range idxs {
			shares = append(shares, finalShares[idx])
		}
		secret, err := dkg.Reconstruct(shares)
		if err != nil {
			return fmt.Errorf("reconstruct: %w", err)
		}
		b := secret.Encode(nil)
		fmt.Printf("reconstructed group secret from participants %v: %x...\n", idxs, b[:8])
	}
	return nil
}

// buildCorruptionHooks wires the --corrupt-dealer/--corrupt-recipient and
// --corrupt-commitment flags into per-peer CorruptionHooks, for exercising
// the adjudication path against a live simulation instead of only the test
// suite.
func buildCorruptionHooks(n uint8) map[uint8]*dkg.CorruptionHook {
	hooks := make(map[uint8]*dkg.CorruptionHook, n)
	get := func(i uint8) *dkg.CorruptionHook {
		if hooks[i] == nil {
			hooks[i] = &dkg.CorruptionHook{}
		}
		return hooks[i]
	}

	if corruptPeer > 0 && corruptShare > 0 {
		dealer := uint8(corruptPeer)
		recipient := uint8(corruptShare)
		fmt.Printf("corrupting the share peer %d deals to peer %d\n", dealer, recipient)
		get(dealer).Share = func(share toprf.Share, to uint8) toprf.Share {
			if to != recipient {
				return share
			}
			share.Index ^= 0xff // the recipient rejects the wrong index before verifyShare; adjudication records ShareDeliveryFrameCheater(ErrLen)
			return share
		}
	}

	if corruptCommitment > 0 {
		dealer := uint8(corruptCommitment)
		fmt.Printf("corrupting the commitment vector peer %d broadcasts\n", dealer)
		get(dealer).Commitment = func(commitments []*ristretto255.Element, self uint8) []*ristretto255.Element {
			if len(commitments) == 0 {
				return commitments
			}
			var one [32]byte
			one[0] = 1
			offset := ristretto255.NewScalar()
			if err := offset.Decode(one[:]); err != nil {
				return commitments
			}
			bump := ristretto255.NewElement().ScalarBaseMult(offset)
			out := append([]*ristretto255.Element(nil), commitments...)
			out[0] = ristretto255.NewElement().Add(commitments[0], bump)
			return out
		}
	}

	return hooks
}
