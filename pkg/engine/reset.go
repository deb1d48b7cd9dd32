package engine

import (
	"io"

	"robust-collective/pkg/commtypes"
	"robust-collective/pkg/link"
)

// TryResetLinks drains every surviving link of all pre-error bytes and
// mutually confirms a clean state, using urgent data as the in-band
// delimiter. Idempotent; safe to re-invoke after ReConnectLinks.
//
// Per link: send one urgent OOBReset byte and one in-band ResetMark,
// wait for the peer's urgent mark, discard everything up to it, then
// exchange mark and ack bytes in blocking mode. Returns SockError if any
// link went bad along the way.
func (r *Robust) TryResetLinks() commtypes.ReturnType {
	links := r.links()
	r.numResets.Tick(1)
	for _, l := range links {
		l.InitBuffer(8, 1<<10, r.reduceBufferSize)
		l.ResetSize()
	}
	// stage 1: push out the urgent byte and the in-band mark; SizeWrite
	// walks 0 -> 1 -> 2 as the two bytes leave
	for {
		for _, l := range links {
			if l.Sock.BadSocket() {
				continue
			}
			if l.SizeWrite == 0 {
				n, err := l.Sock.SendUrgent(commtypes.OOBReset)
				if err == nil && n == 1 {
					l.SizeWrite = 1
				} else if err != nil && !wouldBlock(err) {
					// the link is gone, take it out of the handshake
					l.Sock.Close()
					continue
				}
			}
			if l.SizeWrite == 1 {
				n, err := l.Sock.Send([]byte{commtypes.ResetMark})
				if err == nil && n == 1 {
					l.SizeWrite = 2
				} else if err != nil && !wouldBlock(err) {
					l.Sock.Close()
				}
			}
		}
		sel := r.boot.NewSelector()
		finished := true
		for _, l := range links {
			if l.SizeWrite != 2 && !l.Sock.BadSocket() {
				sel.WatchWrite(l.Sock)
				finished = false
			}
		}
		if finished {
			break
		}
		if err := sel.Select(); err != nil {
			return commtypes.SockError
		}
	}
	// stage 2: wait until each peer's urgent byte has arrived
	for _, l := range links {
		if !l.Sock.BadSocket() {
			link.WaitExcept(r.boot.NewSelector, l.Sock)
		}
	}
	// stage 3: discard everything received before the mark; SizeRead
	// flips to 1 once the read pointer sits on it
	for {
		for _, l := range links {
			if l.SizeRead != 0 || l.Sock.BadSocket() {
				continue
			}
			atMark, err := l.Sock.AtMark()
			if err != nil {
				protoAssert(l.Sock.BadSocket(), "mark probe failed on a live socket")
				continue
			}
			if atMark {
				l.SizeRead = 1
				continue
			}
			n, err := l.Sock.Recv(l.BufferAt(0, l.BufferSize()))
			if err == io.EOF || (err == nil && n == 0) {
				l.Sock.Close()
				continue
			}
			if atMark, _ := l.Sock.AtMark(); atMark {
				l.SizeRead = 1
			}
		}
		sel := r.boot.NewSelector()
		finished := true
		for _, l := range links {
			if l.SizeRead == 0 && !l.Sock.BadSocket() {
				sel.WatchRead(l.Sock)
				finished = false
			}
		}
		if finished {
			break
		}
		if err := sel.Select(); err != nil {
			return commtypes.SockError
		}
	}
	// stage 4: blocking one-byte synchronization past the mark
	one := make([]byte, 1)
	for _, l := range links {
		if l.Sock.BadSocket() {
			continue
		}
		l.Sock.SetNonBlock(false)
		if err := l.Sock.RecvAll(one); err != nil {
			l.Sock.Close()
			continue
		}
		protoAssert(one[0] == commtypes.ResetMark, "wrong reset mark byte")
		if atMark, _ := l.Sock.AtMark(); atMark {
			protoAssert(false, "should already have read past the mark")
		}
		if err := sendAll(l.Sock, []byte{commtypes.ResetAck}); err != nil {
			l.Sock.Close()
			continue
		}
	}
	// stage 5: collect every ack, back to non-blocking
	for _, l := range links {
		if l.Sock.BadSocket() {
			continue
		}
		if err := l.Sock.RecvAll(one); err != nil {
			l.Sock.Close()
			continue
		}
		protoAssert(one[0] == commtypes.ResetAck, "wrong reset ack byte")
		l.Sock.SetNonBlock(true)
	}
	for _, l := range links {
		if l.Sock.BadSocket() {
			return commtypes.SockError
		}
	}
	return commtypes.Success
}
