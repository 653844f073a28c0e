package dkg

import (
	"errors"
	"fmt"
)

// NoReporter is the sentinel "other_peer" value (0xfe) for a cheater record
// that was not raised by a complaint.
const NoReporter uint8 = 0xfe

// CheaterRecord is the {step, error_code, peer, reporter, invalid_index}
// tuple recorded for one protocol-violation finding.
type CheaterRecord struct {
	Step         uint8
	Code         CheaterCode
	Peer         uint8
	Reporter     uint8 // NoReporter if the complaint had no accuser
	InvalidIndex uint8
}

func (r CheaterRecord) String() string {
	if r.Reporter == NoReporter {
		return fmt.Sprintf("step %d: peer %d: %s", r.Step, r.Peer, r.Code)
	}
	return fmt.Sprintf("step %d: peer %d: %s (reported by peer %d)", r.Step, r.Peer, r.Code, r.Reporter)
}

// Ledger is the bounded, append-only cheater log. Capacity is fixed at
// construction; a Record call past capacity is dropped and Full is set,
// which a driver should treat as a fatal "failed" outcome.
type Ledger struct {
	records  []CheaterRecord
	capacity int
	Full     bool
}

// NewLedger returns a ledger with the given capacity (at least 1).
// NewTPState and NewPeerState both size their ledgers at t²+1.
func NewLedger(capacity int) *Ledger {
	if capacity < 1 {
		capacity = 1
	}
	return &Ledger{capacity: capacity}
}

// Record appends a cheater record, silently dropping it (and setting Full)
// once capacity is exhausted.
func (l *Ledger) Record(step uint8, code CheaterCode, peer, reporter, invalidIndex uint8) {
	if len(l.records) >= l.capacity {
		l.Full = true
		return
	}
	l.records = append(l.records, CheaterRecord{
		Step:         step,
		Code:         code,
		Peer:         peer,
		Reporter:     reporter,
		InvalidIndex: invalidIndex,
	})
}

// Records returns the recorded cheater entries in insertion order.
func (l *Ledger) Records() []CheaterRecord {
	out := make([]CheaterRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Empty reports whether no cheater has been recorded and the ledger never
// overflowed. A non-empty or full ledger means the protocol result is a
// failure, not a completed session.
func (l *Ledger) Empty() bool {
	return len(l.records) == 0 && !l.Full
}

// cheaterRecordBytes is the wire width of one CheaterRecord: step, code,
// peer, reporter, invalid_index.
const cheaterRecordBytes = 5

// encodeCheaterRecords packs records back to back for the TP's
// MsgAdjudication broadcast.
func encodeCheaterRecords(records []CheaterRecord) []byte {
	out := make([]byte, 0, cheaterRecordBytes*len(records))
	for _, r := range records {
		out = append(out, r.Step, uint8(r.Code), r.Peer, r.Reporter, r.InvalidIndex)
	}
	return out
}

func decodeCheaterRecords(data []byte) ([]CheaterRecord, error) {
	if len(data)%cheaterRecordBytes != 0 {
		return nil, errors.New("dkg: malformed cheater record list")
	}
	var out []CheaterRecord
	for off := 0; off < len(data); off += cheaterRecordBytes {
		out = append(out, CheaterRecord{
			Step:         data[off],
			Code:         CheaterCode(data[off+1]),
			Peer:         data[off+2],
			Reporter:     data[off+3],
			InvalidIndex: data[off+4],
		})
	}
	return out, nil
}

// String renders one line per cheater record, the human-readable
// post-mortem stringifier.
func (l *Ledger) String() string {
	s := ""
	for i, r := range l.records {
		if i > 0 {
			s += "\n"
		}
		s += r.String()
	}
	if l.Full {
		if s != "" {
			s += "\n"
		}
		s += "(ledger full, additional cheater records were dropped)"
	}
	return s
}
