package memnet

import (
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"robust-collective/pkg/common_errors"
	"robust-collective/pkg/link"
	"robust-collective/pkg/utils/syncutils"
)

const defaultSendBufSize = 1 << 16

// Network wires a fixed world of workers together over in-process
// sockets. Every rank's neighbors are its binary-tree parent and
// children plus its ring predecessor and successor.
//
// Reconnect is a generation rendezvous: it blocks until every rank of
// the world has joined, then hands each one a freshly built link set.
// Restarted workers simply call Reconnect again.
type Network struct {
	mu   syncutils.Mutex
	cond *sync.Cond

	worldSize   int
	sendBufSize int

	// live sockets per rank, for fault injection
	sockets map[int][]*Socket

	barrier *barrier
}

type barrier struct {
	arrived map[int]bool
	done    bool
	topos   map[int]*link.Topology
}

func NewNetwork(worldSize int) *Network {
	return NewNetworkBuffered(worldSize, defaultSendBufSize)
}

// NewNetworkBuffered sets the per-direction in-flight byte cap; small
// caps force the engine through its would-block paths.
func NewNetworkBuffered(worldSize, sendBufSize int) *Network {
	n := &Network{
		worldSize:   worldSize,
		sendBufSize: sendBufSize,
		sockets:     make(map[int][]*Socket),
	}
	n.cond = sync.NewCond(&n.mu)
	return n
}

func (n *Network) WorldSize() int { return n.worldSize }

// Reconnect joins the rendezvous for a fresh topology. It blocks until
// all worldSize ranks have arrived, so a permanently lost worker must be
// restarted for the survivors to make progress.
func (n *Network) Reconnect(rank int, reason string) (*link.Topology, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rank < 0 || rank >= n.worldSize {
		return nil, xerrors.Errorf("rank %d of %d: %w", rank, n.worldSize, common_errors.ErrWorldMismatch)
	}
	b := n.barrier
	if b == nil {
		b = &barrier{arrived: make(map[int]bool)}
		n.barrier = b
	}
	b.arrived[rank] = true
	if len(b.arrived) == n.worldSize {
		n.buildMesh(b)
		b.done = true
		n.barrier = nil
		n.cond.Broadcast()
	} else {
		for !b.done {
			n.cond.Wait()
		}
	}
	return b.topos[rank], nil
}

// neighbors of rank in the combined tree+ring graph, sorted ascending
func (n *Network) neighbors(rank int) []int {
	set := make(map[int]bool)
	if rank > 0 {
		set[(rank-1)/2] = true
	}
	for _, c := range []int{2*rank + 1, 2*rank + 2} {
		if c < n.worldSize {
			set[c] = true
		}
	}
	if n.worldSize > 1 {
		set[(rank-1+n.worldSize)%n.worldSize] = true
		set[(rank+1)%n.worldSize] = true
	}
	delete(set, rank)
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (n *Network) treeNeighbor(rank, peer int) bool {
	if rank > 0 && peer == (rank-1)/2 {
		return true
	}
	return peer == 2*rank+1 || peer == 2*rank+2
}

// buildMesh tears down whatever sockets are still registered and builds
// a complete fresh generation of pairwise connections.
func (n *Network) buildMesh(b *barrier) {
	for _, socks := range n.sockets {
		for _, s := range socks {
			s.closeLocked()
		}
	}
	n.sockets = make(map[int][]*Socket)

	pair := make(map[[2]int][2]*Socket)
	for rank := 0; rank < n.worldSize; rank++ {
		for _, peer := range n.neighbors(rank) {
			if rank < peer {
				a := &Socket{net: n, rank: rank, peerRank: peer, rq: &queue{markAt: -1}, nonblock: true, sendCap: n.sendBufSize}
				z := &Socket{net: n, rank: peer, peerRank: rank, rq: &queue{markAt: -1}, nonblock: true, sendCap: n.sendBufSize}
				a.peer, z.peer = z, a
				pair[[2]int{rank, peer}] = [2]*Socket{a, z}
				n.sockets[rank] = append(n.sockets[rank], a)
				n.sockets[peer] = append(n.sockets[peer], z)
			}
		}
	}

	b.topos = make(map[int]*link.Topology)
	for rank := 0; rank < n.worldSize; rank++ {
		topo := &link.Topology{
			Rank:      rank,
			WorldSize: n.worldSize,
			Parent:    -1,
			RingPrev:  -1,
			RingNext:  -1,
		}
		for _, peer := range n.neighbors(rank) {
			key := [2]int{rank, peer}
			side := 0
			if peer < rank {
				key = [2]int{peer, rank}
				side = 1
			}
			sock := pair[key][side]
			idx := len(topo.Links)
			topo.Links = append(topo.Links, &link.Record{Sock: sock, Rank: peer})
			if n.treeNeighbor(rank, peer) {
				topo.TreeLinks = append(topo.TreeLinks, idx)
				if rank > 0 && peer == (rank-1)/2 {
					topo.Parent = idx
				}
			}
			if n.worldSize > 1 {
				if peer == (rank-1+n.worldSize)%n.worldSize {
					topo.RingPrev = idx
				}
				if peer == (rank+1)%n.worldSize {
					topo.RingNext = idx
				}
			}
		}
		b.topos[rank] = topo
	}
}

// NewSocketPair builds a standalone connected pair outside any mesh.
func (n *Network) NewSocketPair() (*Socket, *Socket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a := &Socket{net: n, rq: &queue{markAt: -1}, nonblock: true, sendCap: n.sendBufSize}
	z := &Socket{net: n, rq: &queue{markAt: -1}, nonblock: true, sendCap: n.sendBufSize}
	a.peer, z.peer = z, a
	return a, z
}

// Kill severs every socket of rank, as if its process died. Peers see
// EOF or send failures on their next operation.
func (n *Network) Kill(rank int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sockets[rank] {
		s.closeLocked()
	}
	delete(n.sockets, rank)
}

// Sever drops the single connection between ranks a and b mid-stream.
func (n *Network) Sever(a, b int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sockets[a] {
		if s.peerRank == b {
			s.closeLocked()
			if s.peer != nil {
				s.peer.closeLocked()
			}
		}
	}
}
