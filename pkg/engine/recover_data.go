package engine

import (
	"github.com/unixpickle/essentials"

	"robust-collective/pkg/commtypes"
)

// TryRecoverData streams the payload from every node holding it to every
// node requesting it along the routes picked by TryDecideRouting. A
// single readiness loop drives all links concurrently; a node that
// neither supplies nor wants the payload returns immediately.
//
// buf holds the data to send for RoleHaveData, receives the result for
// RoleRequestData, and is unused for RolePassData (pass-through nodes
// relay via the inbound link's ring buffer instead).
func (r *Robust) TryRecoverData(role commtypes.RecoverRole, buf []byte, size, recvLink int, reqIn []bool) commtypes.ReturnType {
	links := r.links()
	if len(links) == 0 || size == 0 {
		return commtypes.Success
	}
	protoAssert(len(reqIn) == len(links), "request bitmap does not span links")
	involved := role == commtypes.RoleRequestData
	for i := range links {
		if reqIn[i] {
			protoAssert(i != recvLink, "cannot send to the link we receive on")
			involved = true
		}
	}
	if !involved {
		return commtypes.Success
	}
	protoAssert(recvLink >= 0 || role == commtypes.RoleHaveData, "recv link must be active")
	for _, l := range links {
		l.ResetSize()
	}
	for {
		finished := true
		sel := r.boot.NewSelector()
		for i, l := range links {
			if i == recvLink && l.SizeRead != size {
				sel.WatchRead(l.Sock)
				finished = false
			}
			if reqIn[i] && l.SizeWrite != size {
				// relaying roles only write what has already arrived, so
				// do not watch for writability ahead of the reader
				if role == commtypes.RoleHaveData || links[recvLink].SizeRead != l.SizeWrite {
					sel.WatchWrite(l.Sock)
				}
				finished = false
			}
			sel.WatchExcept(l.Sock)
		}
		if finished {
			break
		}
		if err := sel.Select(); err != nil {
			return commtypes.SockError
		}
		for _, l := range links {
			if sel.CheckExcept(l.Sock) {
				return commtypes.GetExcept
			}
		}
		switch role {
		case commtypes.RoleRequestData:
			in := links[recvLink]
			if sel.CheckRead(in.Sock) {
				if !in.ReadToArray(buf, size) {
					return commtypes.SockError
				}
			}
			// forwarded bytes never run ahead of received bytes
			for i, l := range links {
				if reqIn[i] && l.SizeWrite != in.SizeRead && sel.CheckWrite(l.Sock) {
					if !l.WriteFromArray(buf, in.SizeRead) {
						return commtypes.SockError
					}
				}
			}
		case commtypes.RoleHaveData:
			for i, l := range links {
				if reqIn[i] && sel.CheckWrite(l.Sock) {
					if !l.WriteFromArray(buf, size) {
						return commtypes.SockError
					}
				}
			}
		case commtypes.RolePassData:
			in := links[recvLink]
			bufferSize := in.BufferSize()
			if sel.CheckRead(in.Sock) {
				minWrite := size
				for i, l := range links {
					if reqIn[i] {
						minWrite = essentials.MinInt(minWrite, l.SizeWrite)
					}
				}
				protoAssert(minWrite <= in.SizeRead, "ring buffer writer passed reader")
				if !in.ReadToRingBuffer(minWrite, size) {
					return commtypes.SockError
				}
			}
			for i, l := range links {
				if reqIn[i] && sel.CheckWrite(l.Sock) && in.SizeRead != l.SizeWrite {
					nwrite := essentials.MinInt(bufferSize-l.SizeWrite%bufferSize, in.SizeRead-l.SizeWrite)
					n, err := l.Sock.Send(in.BufferAt(l.SizeWrite, nwrite))
					if err == nil {
						l.SizeWrite += n
					} else if !wouldBlock(err) {
						return commtypes.SockError
					}
				}
			}
		}
	}
	if role == commtypes.RoleRequestData {
		r.bytesRecovered.Tick(uint32(size))
	}
	return commtypes.Success
}
