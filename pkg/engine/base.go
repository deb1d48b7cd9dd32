// Package engine implements the fault-tolerant collective communication
// core: a base tree engine for Allreduce/Broadcast plus the recovery
// layer that lets surviving workers re-join restarted peers and resume
// from the last agreed-upon point.
package engine

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"robust-collective/pkg/common_errors"
	"robust-collective/pkg/commtypes"
	"robust-collective/pkg/link"
	"robust-collective/pkg/stats"
)

const defaultReduceBufferSize = 1 << 20

// Bootstrap rebuilds the peer topology. Reconnect blocks until every
// rank of the world has joined the rendezvous and returns the fresh
// link set; NewSelector builds readiness selectors over those links.
type Bootstrap interface {
	Reconnect(rank int, reason string) (*link.Topology, error)
	NewSelector() link.Selector
}

// Base is the non-fault-tolerant collective engine: tree Allreduce and
// Broadcast over the current link set, plus the generic message-passing
// round the recovery layer builds its routing on. Any socket failure
// surfaces as SockError for the caller to recover from.
type Base struct {
	rank      int
	worldSize int
	boot      Bootstrap

	topo *link.Topology

	reduceBufferSize int

	numReconnect stats.Counter
}

func NewBase(boot Bootstrap, rank, worldSize int) *Base {
	return &Base{
		rank:             rank,
		worldSize:        worldSize,
		boot:             boot,
		reduceBufferSize: defaultReduceBufferSize,
		numReconnect:     stats.NewCounter("reconnect"),
	}
}

func (b *Base) Rank() int      { return b.rank }
func (b *Base) WorldSize() int { return b.worldSize }

func (b *Base) links() []*link.Record {
	if b.topo == nil {
		return nil
	}
	return b.topo.Links
}

// ReConnectLinks tears down whatever links remain and joins the
// bootstrap rendezvous for a fresh topology.
func (b *Base) ReConnectLinks(reason string) error {
	if b.topo != nil {
		for _, l := range b.topo.Links {
			if !l.Sock.BadSocket() {
				l.Sock.Close()
			}
		}
	}
	topo, err := b.boot.Reconnect(b.rank, reason)
	if err != nil {
		return xerrors.Errorf("reconnect links (%s): %w", reason, err)
	}
	b.topo = topo
	for _, l := range topo.Links {
		l.InitBuffer(8, 1<<10, b.reduceBufferSize)
		l.ResetSize()
	}
	b.numReconnect.Tick(1)
	log.Debug().Msgf("rank %d: links rebuilt (%s), %d peers", b.rank, reason, len(topo.Links))
	return nil
}

// Shutdown closes all live links.
func (b *Base) Shutdown() {
	if b.topo == nil {
		return
	}
	for _, l := range b.topo.Links {
		if !l.Sock.BadSocket() {
			l.Sock.Close()
		}
	}
	b.topo = nil
	b.numReconnect.Report()
}

// treeChildren returns the indexes of tree links other than the parent.
func (b *Base) treeChildren() []int {
	children := make([]int, 0, len(b.topo.TreeLinks))
	for _, i := range b.topo.TreeLinks {
		if i != b.topo.Parent {
			children = append(children, i)
		}
	}
	return children
}

// setBlocking flips every live link between blocking and non-blocking
// mode. The base collectives run blocking; the recovery loops run
// non-blocking under a selector.
func (b *Base) setBlocking(blocking bool) {
	for _, l := range b.links() {
		if !l.Sock.BadSocket() {
			l.Sock.SetNonBlock(!blocking)
		}
	}
}

func wouldBlock(err error) bool {
	return common_errors.IsWouldBlockError(err)
}

func sendAll(s link.Socket, p []byte) error {
	sent := 0
	for sent < len(p) {
		n, err := s.Send(p[sent:])
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}

// TryAllreduce reduces buf in place across all ranks: partial results
// flow up the tree to rank 0, the final result flows back down.
func (b *Base) TryAllreduce(buf []byte, typeNbytes, count int, reducer commtypes.Reducer) commtypes.ReturnType {
	n := typeNbytes * count
	if b.worldSize == 1 || n == 0 {
		return commtypes.Success
	}
	if b.topo == nil {
		return commtypes.SockError
	}
	b.setBlocking(true)
	defer b.setBlocking(false)

	links := b.links()
	tmp := make([]byte, n)
	for _, c := range b.treeChildren() {
		if err := links[c].Sock.RecvAll(tmp); err != nil {
			return commtypes.SockError
		}
		reducer.Reduce(buf[:n], tmp, typeNbytes, count)
	}
	if p := b.topo.Parent; p >= 0 {
		if err := sendAll(links[p].Sock, buf[:n]); err != nil {
			return commtypes.SockError
		}
		if err := links[p].Sock.RecvAll(buf[:n]); err != nil {
			return commtypes.SockError
		}
	}
	for _, c := range b.treeChildren() {
		if err := sendAll(links[c].Sock, buf[:n]); err != nil {
			return commtypes.SockError
		}
	}
	return commtypes.Success
}

// TryBroadcast copies root's buf to every rank, forwarding along the
// tree path away from root.
func (b *Base) TryBroadcast(buf []byte, root int) commtypes.ReturnType {
	if b.worldSize == 1 || len(buf) == 0 {
		return commtypes.Success
	}
	if b.topo == nil {
		return commtypes.SockError
	}
	b.setBlocking(true)
	defer b.setBlocking(false)

	links := b.links()
	in := -1
	if b.rank != root {
		in = b.linkIndexOf(b.neighborToward(root))
		if in < 0 {
			return commtypes.SockError
		}
		if err := links[in].Sock.RecvAll(buf); err != nil {
			return commtypes.SockError
		}
	}
	for _, i := range b.topo.TreeLinks {
		if i == in {
			continue
		}
		if err := sendAll(links[i].Sock, buf); err != nil {
			return commtypes.SockError
		}
	}
	return commtypes.Success
}

// neighborToward returns the rank of the tree neighbor sitting on the
// path from this node to target.
func (b *Base) neighborToward(target int) int {
	w := target
	prev := -1
	for w != b.rank && w != 0 {
		prev = w
		w = (w - 1) / 2
	}
	if w == b.rank {
		// target lives in the subtree below prev
		return prev
	}
	return (b.rank - 1) / 2
}

func (b *Base) linkIndexOf(rank int) int {
	for i, l := range b.links() {
		if l.Rank == rank {
			return i
		}
	}
	return -1
}
