// Package link defines the peer-connection contract the collective
// engine runs over: a non-blocking socket with urgent-data support, a
// readiness selector, and the per-link record that tracks transfer
// progress and owns the pass-through ring buffer.
package link

// Socket is one end of a full-duplex byte stream to a peer.
//
// In non-blocking mode (the default for engine sockets) Send and Recv
// return common_errors.ErrWouldBlock instead of waiting. Recv returns
// io.EOF once the peer has closed and all pending bytes are drained.
type Socket interface {
	// Send writes as much of p as currently fits, returning the number
	// of bytes accepted.
	Send(p []byte) (int, error)
	// SendUrgent sends one byte of urgent data. The receiver observes
	// only the urgent mark; the byte itself is not part of the in-band
	// stream.
	SendUrgent(b byte) (int, error)
	// Recv reads up to len(p) bytes. A read never crosses the urgent
	// mark.
	Recv(p []byte) (int, error)
	// RecvAll blocks until exactly len(p) bytes have been read.
	RecvAll(p []byte) error
	// AtMark reports whether the read pointer sits exactly at the
	// urgent-data mark.
	AtMark() (bool, error)
	SetNonBlock(nonblock bool) error
	// BadSocket reports whether the socket has been closed or torn down
	// and can no longer be used.
	BadSocket() bool
	Close() error
}

// Selector multiplexes readiness over a small set of sockets. A fresh
// Selector is built per wait; Select blocks until at least one watched
// condition holds and records which ones did.
type Selector interface {
	WatchRead(s Socket)
	WatchWrite(s Socket)
	WatchExcept(s Socket)
	CheckRead(s Socket) bool
	CheckWrite(s Socket) bool
	CheckExcept(s Socket) bool
	Select() error
}

// SelectorFactory builds a Selector over the network the sockets belong
// to.
type SelectorFactory func() Selector

// WaitExcept blocks until urgent data is pending on s.
func WaitExcept(newSelector SelectorFactory, s Socket) error {
	sel := newSelector()
	sel.WatchExcept(s)
	return sel.Select()
}
