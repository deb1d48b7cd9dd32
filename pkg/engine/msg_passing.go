package engine

import (
	"robust-collective/pkg/commtypes"
)

// Combinator computes the message this node emits on one outbound edge
// from its own value and the inbound messages on all other edges. It
// must ignore in[outIndex]; entries for edges that carry no message stay
// at the initial value.
type Combinator[N, E any] func(nodeValue N, in []E, outIndex int) E

// MsgPassing runs one edge-wise sum-product round over the tree links:
// an upward sweep toward rank 0 followed by a downward sweep. On return
// in[i] holds the message received on link i and out[i] the message sent
// on it, both sized over the full link set with non-tree entries left at
// initial.
//
// enc and dec fix the wire form of an edge message; msgSize is its
// width in bytes.
func MsgPassing[N, E any](b *Base, nodeValue N, initial E, msgSize int,
	enc func(E, []byte), dec func([]byte) E,
	combinator Combinator[N, E]) (in []E, out []E, rt commtypes.ReturnType) {
	links := b.links()
	in = make([]E, len(links))
	out = make([]E, len(links))
	for i := range in {
		in[i] = initial
		out[i] = initial
	}
	if b.topo == nil {
		return in, out, commtypes.SockError
	}
	b.setBlocking(true)
	defer b.setBlocking(false)

	wire := make([]byte, msgSize)
	// upward sweep: collect from every child, then report to the parent
	for _, c := range b.treeChildren() {
		if err := links[c].Sock.RecvAll(wire); err != nil {
			return in, out, commtypes.SockError
		}
		in[c] = dec(wire)
	}
	if p := b.topo.Parent; p >= 0 {
		out[p] = combinator(nodeValue, in, p)
		enc(out[p], wire)
		if err := sendAll(links[p].Sock, wire); err != nil {
			return in, out, commtypes.SockError
		}
		if err := links[p].Sock.RecvAll(wire); err != nil {
			return in, out, commtypes.SockError
		}
		in[p] = dec(wire)
	}
	// downward sweep: now that the parent message is in, answer children
	for _, c := range b.treeChildren() {
		out[c] = combinator(nodeValue, in, c)
		enc(out[c], wire)
		if err := sendAll(links[c].Sock, wire); err != nil {
			return in, out, commtypes.SockError
		}
	}
	return in, out, commtypes.Success
}
