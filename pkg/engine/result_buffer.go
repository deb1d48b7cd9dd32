package engine

import (
	"github.com/cespare/xxhash/v2"
	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"

	"robust-collective/pkg/env_config"
)

type resultEntry struct {
	seqNo      int32
	typeNbytes int
	count      int
	payload    []byte
	digest     uint64
}

// ResultBuffer is the bounded, sequence-indexed cache of recent
// collective outputs used to answer catch-up requests from lagging
// peers. Entries are kept in strictly increasing seqno order; the
// retention rule is applied by the collective wrappers, not here.
//
// A result is staged in the scratch region via AllocTemp, filled in
// place, then committed with PushTemp, which takes ownership of the
// scratch storage.
type ResultBuffer struct {
	entries *deque.Deque[resultEntry]
	scratch []byte
}

func NewResultBuffer() *ResultBuffer {
	return &ResultBuffer{entries: deque.New[resultEntry]()}
}

// AllocTemp reserves scratch space for count elements of typeNbytes
// bytes each and returns it for in-place staging.
func (rb *ResultBuffer) AllocTemp(typeNbytes, count int) []byte {
	n := typeNbytes * count
	if cap(rb.scratch) < n {
		rb.scratch = make([]byte, n)
	}
	rb.scratch = rb.scratch[:n]
	return rb.scratch
}

// PushTemp commits the staged scratch as the new last entry.
func (rb *ResultBuffer) PushTemp(seqNo int32, typeNbytes, count int) {
	if rb.entries.Len() > 0 && rb.entries.Back().seqNo >= seqNo {
		log.Fatal().Msgf("result buffer push out of order: last=%d new=%d",
			rb.entries.Back().seqNo, seqNo)
	}
	payload := rb.scratch[:typeNbytes*count]
	rb.entries.PushBack(resultEntry{
		seqNo:      seqNo,
		typeNbytes: typeNbytes,
		count:      count,
		payload:    payload,
		digest:     xxhash.Sum64(payload),
	})
	// scratch storage now belongs to the entry
	rb.scratch = nil
}

// DropLast discards the most recent entry.
func (rb *ResultBuffer) DropLast() {
	if rb.entries.Len() > 0 {
		rb.entries.PopBack()
	}
}

// Query returns the cached payload for seqNo, or nil if it was never
// produced here or has been dropped by the retention rule.
func (rb *ResultBuffer) Query(seqNo int32) []byte {
	for i := 0; i < rb.entries.Len(); i++ {
		e := rb.entries.At(i)
		if e.seqNo == seqNo {
			if env_config.CHECK_DIGEST && xxhash.Sum64(e.payload) != e.digest {
				log.Fatal().Msgf("result buffer entry %d corrupted", seqNo)
			}
			return e.payload
		}
		if e.seqNo > seqNo {
			break
		}
	}
	return nil
}

// LastSeqNo returns the most recent committed seqno, -1 when empty.
func (rb *ResultBuffer) LastSeqNo() int32 {
	if rb.entries.Len() == 0 {
		return -1
	}
	return rb.entries.Back().seqNo
}

// Clear drops every entry; done on checkpoint and on checkpoint load.
func (rb *ResultBuffer) Clear() {
	rb.entries.Clear()
	rb.scratch = nil
}

// Len reports the number of retained entries.
func (rb *ResultBuffer) Len() int {
	return rb.entries.Len()
}
