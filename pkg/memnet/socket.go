// Package memnet is an in-process implementation of the link layer:
// full-duplex byte-stream sockets with urgent-data marks, a readiness
// selector, and a bootstrap that builds the tree+ring topology and
// rendezvouses reconnecting workers. It backs the multi-worker tests and
// the demo binary, and supports fault injection (killing workers,
// severing individual links).
package memnet

import (
	"io"

	"robust-collective/pkg/common_errors"
)

// queue is one direction of a socket pair: bytes in flight toward its
// owner, plus the urgent-data mark. Offsets are absolute stream
// positions so the mark survives partial reads.
type queue struct {
	buf     []byte
	readPos int64
	// markAt is the absolute offset of the urgent mark, -1 when none.
	// Bytes below it predate the urgent send; a read never crosses it.
	markAt int64
	// closed is set once the writing side goes away; readers drain the
	// remaining bytes and then see EOF
	closed bool
}

func (q *queue) wrotePos() int64 {
	return q.readPos + int64(len(q.buf))
}

func (q *queue) atMark() bool {
	return q.markAt >= 0 && q.readPos == q.markAt
}

func (q *queue) urgentPending() bool {
	return q.markAt >= 0 && q.readPos <= q.markAt
}

// readable bytes right now, honoring the mark boundary
func (q *queue) readableNow() int {
	n := len(q.buf)
	if q.markAt >= 0 && q.readPos < q.markAt && int64(n) > q.markAt-q.readPos {
		n = int(q.markAt - q.readPos)
	}
	return n
}

// Socket is one end of an in-process stream. All state is guarded by the
// owning Network's lock; every mutation broadcasts so selectors and
// blocked peers re-check readiness.
type Socket struct {
	net      *Network
	rank     int
	peerRank int

	rq   *queue
	peer *Socket

	nonblock bool
	bad      bool
	sendCap  int
}

func (s *Socket) Send(p []byte) (int, error) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return s.sendLocked(p, !s.nonblock)
}

func (s *Socket) sendLocked(p []byte, block bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.bad {
			return 0, common_errors.ErrBadSocket
		}
		if s.peer == nil || s.peer.bad || s.rq.closed {
			return 0, common_errors.ErrSocketClosed
		}
		space := s.sendCap - len(s.peer.rq.buf)
		if space > 0 {
			n := len(p)
			if n > space {
				n = space
			}
			s.peer.rq.buf = append(s.peer.rq.buf, p[:n]...)
			s.net.cond.Broadcast()
			return n, nil
		}
		if !block {
			return 0, common_errors.ErrWouldBlock
		}
		s.net.cond.Wait()
	}
}

// SendUrgent advances the peer's urgent mark to the current end of
// stream. The urgent byte itself is consumed by the mark and never
// appears in band.
func (s *Socket) SendUrgent(b byte) (int, error) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if s.bad {
		return 0, common_errors.ErrBadSocket
	}
	if s.peer == nil || s.peer.bad || s.rq.closed {
		return 0, common_errors.ErrSocketClosed
	}
	s.peer.rq.markAt = s.peer.rq.wrotePos()
	s.net.cond.Broadcast()
	return 1, nil
}

func (s *Socket) Recv(p []byte) (int, error) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return s.recvLocked(p, !s.nonblock)
}

func (s *Socket) recvLocked(p []byte, block bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.bad {
			return 0, common_errors.ErrBadSocket
		}
		q := s.rq
		avail := q.readableNow()
		if avail > 0 {
			n := len(p)
			if n > avail {
				n = avail
			}
			copy(p, q.buf[:n])
			q.buf = q.buf[n:]
			wasAtMark := q.atMark()
			q.readPos += int64(n)
			if wasAtMark {
				// reading past the mark consumes it
				q.markAt = -1
			}
			s.net.cond.Broadcast()
			return n, nil
		}
		if q.closed {
			return 0, io.EOF
		}
		if !block {
			return 0, common_errors.ErrWouldBlock
		}
		s.net.cond.Wait()
	}
}

// RecvAll blocks until exactly len(p) bytes are read, regardless of the
// socket's non-blocking flag.
func (s *Socket) RecvAll(p []byte) error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	got := 0
	for got < len(p) {
		n, err := s.recvLocked(p[got:], true)
		if err != nil {
			return err
		}
		got += n
	}
	return nil
}

func (s *Socket) AtMark() (bool, error) {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if s.bad {
		return false, common_errors.ErrBadSocket
	}
	return s.rq.atMark(), nil
}

func (s *Socket) SetNonBlock(nonblock bool) error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	if s.bad {
		return common_errors.ErrBadSocket
	}
	s.nonblock = nonblock
	return nil
}

func (s *Socket) BadSocket() bool {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return s.bad
}

func (s *Socket) Close() error {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Socket) closeLocked() {
	if s.bad {
		return
	}
	s.bad = true
	if s.peer != nil {
		s.peer.rq.closed = true
	}
	s.net.cond.Broadcast()
}

// readiness predicates, called under the network lock

func (s *Socket) readReady() bool {
	return s.bad || s.rq.closed || s.rq.readableNow() > 0
}

func (s *Socket) writeReady() bool {
	if s.bad || s.peer == nil || s.peer.bad || s.rq.closed {
		return true
	}
	return s.sendCap-len(s.peer.rq.buf) > 0
}

func (s *Socket) exceptReady() bool {
	return s.rq.urgentPending()
}
