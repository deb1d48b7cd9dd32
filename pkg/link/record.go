package link

import (
	"io"

	"github.com/unixpickle/essentials"

	"robust-collective/pkg/common_errors"
	"robust-collective/pkg/debug"
)

// Record is the engine's view of one peer link: the socket, the peer's
// rank, progress counters for the transfer in flight, and an explicit
// ring buffer used when this node passes data through without keeping a
// full copy.
//
// SizeRead and SizeWrite count bytes since the last ResetSize. During a
// recovery transfer they always satisfy SizeWrite <= SizeRead (pass
// mode) or SizeWrite <= payload size (source mode).
type Record struct {
	Sock Socket
	// Rank of the peer on the other end.
	Rank int

	SizeRead  int
	SizeWrite int

	buffer []byte
}

// InitBuffer sizes the ring buffer for a payload of count elements of
// typeNbytes each, capped by maxBufferSize. The payload size is rounded
// up to 8 bytes before the cap applies, so element boundaries never
// straddle the wrap point for word-sized types; a cap that is not a
// multiple of 8 is used as given.
func (r *Record) InitBuffer(typeNbytes, count, maxBufferSize int) {
	n := (typeNbytes*count + 7) / 8 * 8
	size := essentials.MinInt(n, maxBufferSize)
	if cap(r.buffer) < size {
		r.buffer = make([]byte, size)
	} else {
		r.buffer = r.buffer[:size]
	}
}

// ResetSize clears the transfer progress counters.
func (r *Record) ResetSize() {
	r.SizeRead = 0
	r.SizeWrite = 0
}

// BufferSize is the capacity of the ring buffer.
func (r *Record) BufferSize() int {
	return len(r.buffer)
}

// BufferAt returns the ring-buffer chunk starting at absolute stream
// offset pos, spanning at most n contiguous bytes.
func (r *Record) BufferAt(pos, n int) []byte {
	start := pos % len(r.buffer)
	end := essentials.MinInt(start+n, len(r.buffer))
	return r.buffer[start:end]
}

// ReadToArray reads from the socket into buf, advancing SizeRead up to
// max. Returns false when the link is unusable; a would-block read
// returns true with no progress.
func (r *Record) ReadToArray(buf []byte, max int) bool {
	if r.SizeRead == max {
		return true
	}
	n, err := r.Sock.Recv(buf[r.SizeRead:max])
	if err == common_errors.ErrWouldBlock {
		return true
	}
	if err == io.EOF {
		r.Sock.Close()
		return false
	}
	if err != nil {
		return false
	}
	r.SizeRead += n
	return true
}

// WriteFromArray writes buf[SizeWrite:max] to the socket, advancing
// SizeWrite. Returns false when the link is unusable.
func (r *Record) WriteFromArray(buf []byte, max int) bool {
	if r.SizeWrite == max {
		return true
	}
	n, err := r.Sock.Send(buf[r.SizeWrite:max])
	if err == common_errors.ErrWouldBlock {
		return true
	}
	if err != nil {
		return false
	}
	r.SizeWrite += n
	return true
}

// ReadToRingBuffer reads from the socket into the ring buffer. Bytes
// below protectStart have not been consumed by every requester yet and
// must not be overwritten, so reading is capped at
// protectStart + BufferSize; maxTotal caps the whole transfer.
func (r *Record) ReadToRingBuffer(protectStart, maxTotal int) bool {
	debug.Assert(r.SizeRead >= protectStart, "ring buffer protect boundary")
	nmax := protectStart + len(r.buffer) - r.SizeRead
	nmax = essentials.MinInt(nmax, maxTotal-r.SizeRead)
	if nmax <= 0 {
		return true
	}
	start := r.SizeRead % len(r.buffer)
	chunk := essentials.MinInt(nmax, len(r.buffer)-start)
	n, err := r.Sock.Recv(r.buffer[start : start+chunk])
	if err == common_errors.ErrWouldBlock {
		return true
	}
	if err == io.EOF {
		r.Sock.Close()
		return false
	}
	if err != nil {
		return false
	}
	r.SizeRead += n
	return true
}
