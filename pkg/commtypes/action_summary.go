package commtypes

import "encoding/binary"

// Flag bits carried in an ActionSummary.
const (
	FlagLoadCheck uint32 = 1 << iota
	FlagCheckPoint
	FlagCheckAck
)

// MaxSeq marks a special operation (checkpoint, load, ack) that carries
// no sequence number of its own. Normal collectives always run at a
// seqno strictly below it.
const MaxSeq int32 = 1 << 26

// ActionSummarySize is the fixed wire width of one encoded summary.
const ActionSummarySize = 12

// ActionSummary is the per-rank recovery request reduced across the
// world before every collective. Flags combine by bit-OR; the seqno is
// tracked as a min/max pair so the reduced value reveals whether all
// ranks submitted the same sequence number.
type ActionSummary struct {
	Flags    uint32
	MinSeqNo int32
	MaxSeqNo int32
}

// NewActionSummary builds the request of a single rank.
func NewActionSummary(flags uint32, seqno int32) ActionSummary {
	return ActionSummary{Flags: flags, MinSeqNo: seqno, MaxSeqNo: seqno}
}

func (a ActionSummary) LoadCheck() bool  { return a.Flags&FlagLoadCheck != 0 }
func (a ActionSummary) CheckPoint() bool { return a.Flags&FlagCheckPoint != 0 }
func (a ActionSummary) CheckAck() bool   { return a.Flags&FlagCheckAck != 0 }

// DiffSeq reports whether the reduced inputs disagreed on the sequence
// number. MinSeqNo == MaxSeqNo == MaxSeq means every rank submitted a
// special op, which does not count as disagreement.
func (a ActionSummary) DiffSeq() bool {
	return a.MinSeqNo != a.MaxSeqNo
}

// Combine merges another summary into a. The operator is associative,
// commutative and idempotent.
func (a ActionSummary) Combine(b ActionSummary) ActionSummary {
	out := ActionSummary{Flags: a.Flags | b.Flags, MinSeqNo: a.MinSeqNo, MaxSeqNo: a.MaxSeqNo}
	if b.MinSeqNo < out.MinSeqNo {
		out.MinSeqNo = b.MinSeqNo
	}
	if b.MaxSeqNo > out.MaxSeqNo {
		out.MaxSeqNo = b.MaxSeqNo
	}
	return out
}

// Encode writes the fixed-width little-endian representation into buf.
func (a ActionSummary) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], a.Flags)
	binary.LittleEndian.PutUint32(buf[4:], uint32(a.MinSeqNo))
	binary.LittleEndian.PutUint32(buf[8:], uint32(a.MaxSeqNo))
}

// DecodeActionSummary reads one summary back from its wire form.
func DecodeActionSummary(buf []byte) ActionSummary {
	return ActionSummary{
		Flags:    binary.LittleEndian.Uint32(buf[0:]),
		MinSeqNo: int32(binary.LittleEndian.Uint32(buf[4:])),
		MaxSeqNo: int32(binary.LittleEndian.Uint32(buf[8:])),
	}
}

// ActionSummaryReducer is the Reducer fed to the underlying allreduce
// when agreeing on the next recovery step.
var ActionSummaryReducer Reducer = ReducerFunc(func(dst, src []byte, typeNbytes int, count int) {
	for i := 0; i < count; i++ {
		off := i * typeNbytes
		merged := DecodeActionSummary(dst[off:]).Combine(DecodeActionSummary(src[off:]))
		merged.Encode(dst[off:])
	}
})
