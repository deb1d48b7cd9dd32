package engine

import (
	"io"

	"github.com/unixpickle/essentials"

	"robust-collective/pkg/commtypes"
	"robust-collective/pkg/link"
)

// RingPassing streams a buffer around a ring: receive
// buf[readPtr:readEnd] from prev while sending buf[writePtr:writeEnd] to
// next, never sending a byte before it has been received. Requires
// writeEnd <= readEnd so the writer can always be satisfied from the
// reader's progress.
func (r *Robust) RingPassing(buf []byte, readPtr, readEnd, writePtr, writeEnd int,
	prev, next *link.Record) commtypes.ReturnType {
	if len(r.links()) == 0 || readEnd == 0 {
		return commtypes.Success
	}
	protoAssert(writeEnd <= readEnd, "ring write range exceeds read range")
	protoAssert(readPtr <= readEnd, "ring read pointer out of range")
	protoAssert(writePtr <= writeEnd, "ring write pointer out of range")
	for {
		finished := true
		sel := r.boot.NewSelector()
		if readPtr != readEnd {
			sel.WatchRead(prev.Sock)
			finished = false
		}
		if writePtr < readPtr && writePtr != writeEnd {
			sel.WatchWrite(next.Sock)
			finished = false
		}
		sel.WatchExcept(prev.Sock)
		sel.WatchExcept(next.Sock)
		if finished {
			break
		}
		if err := sel.Select(); err != nil {
			return commtypes.SockError
		}
		if sel.CheckExcept(prev.Sock) || sel.CheckExcept(next.Sock) {
			return commtypes.GetExcept
		}
		if readPtr != readEnd && sel.CheckRead(prev.Sock) {
			n, err := prev.Sock.Recv(buf[readPtr:readEnd])
			switch {
			case err == io.EOF || (err == nil && n == 0):
				prev.Sock.Close()
				return commtypes.SockError
			case err == nil:
				readPtr += n
			case !wouldBlock(err):
				return commtypes.SockError
			}
		}
		if writePtr != writeEnd && writePtr < readPtr && sel.CheckWrite(next.Sock) {
			nsend := essentials.MinInt(writeEnd-writePtr, readPtr-writePtr)
			n, err := next.Sock.Send(buf[writePtr : writePtr+nsend])
			if err == nil {
				writePtr += n
			} else if !wouldBlock(err) {
				return commtypes.SockError
			}
		}
	}
	return commtypes.Success
}
