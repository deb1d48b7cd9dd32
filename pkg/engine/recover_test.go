package engine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/xerrors"

	"robust-collective/pkg/commtypes"
	"robust-collective/pkg/memnet"
)

func patternBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 3)
	}
	return out
}

// After garbage has been left on every link, TryResetLinks must drain it
// and leave the links byte-clean in both directions.
func TestTryResetLinks(t *testing.T) {
	const world = 4
	net := memnet.NewNetwork(world)
	engines := startWorld(t, net, world, nil)

	eachRank(t, engines, func(rank int, eng *Robust) error {
		for _, l := range eng.links() {
			if _, err := l.Sock.Send([]byte("stale-bytes-from-a-dead-collective")); err != nil {
				return err
			}
		}
		if rt := eng.TryResetLinks(); rt != commtypes.Success {
			return xerrors.Errorf("rank %d: reset: %s", rank, rt)
		}
		return nil
	})

	// links must be clean now: a single byte arrives alone
	eachRank(t, engines, func(rank int, eng *Robust) error {
		for _, l := range eng.links() {
			if _, err := l.Sock.Send([]byte{byte(rank)}); err != nil {
				return err
			}
		}
		one := make([]byte, 1)
		for _, l := range eng.links() {
			if err := l.Sock.RecvAll(one); err != nil {
				return err
			}
			if one[0] != byte(l.Rank) {
				return xerrors.Errorf("rank %d: stale byte %x from %d", rank, one[0], l.Rank)
			}
		}
		return nil
	})
}

// TryResetLinks is idempotent: a second invocation on clean links
// completes the same handshake.
func TestTryResetLinksIdempotent(t *testing.T) {
	const world = 2
	net := memnet.NewNetwork(world)
	engines := startWorld(t, net, world, nil)
	for round := 0; round < 2; round++ {
		eachRank(t, engines, func(rank int, eng *Robust) error {
			if rt := eng.TryResetLinks(); rt != commtypes.Success {
				return xerrors.Errorf("round %d rank %d: %s", round, rank, rt)
			}
			return nil
		})
	}
}

// One holder, one requester, one pass-through node whose ring buffer is
// far smaller than the payload, forcing many wrap-arounds.
func TestTryRecoverDataPassThrough(t *testing.T) {
	const world = 3
	const payloadSize = 32 << 10
	net := memnet.NewNetworkBuffered(world, 512)
	engines := startWorld(t, net, world, []string{"reduce_buffer_size=1024"})

	payload := patternBytes(payloadSize)
	roles := map[int]commtypes.RecoverRole{
		0: commtypes.RolePassData,
		1: commtypes.RoleHaveData,
		2: commtypes.RoleRequestData,
	}
	got := make([]byte, payloadSize)
	eachRank(t, engines, func(rank int, eng *Robust) error {
		var buf []byte
		size := 0
		switch roles[rank] {
		case commtypes.RoleHaveData:
			buf = payload
			size = payloadSize
		case commtypes.RoleRequestData:
			buf = got
		}
		size, recvLink, reqIn, rt := eng.TryDecideRouting(roles[rank], size)
		if rt != commtypes.Success {
			return xerrors.Errorf("rank %d: routing: %s", rank, rt)
		}
		if rt := eng.TryRecoverData(roles[rank], buf, size, recvLink, reqIn); rt != commtypes.Success {
			return xerrors.Errorf("rank %d: recover: %s", rank, rt)
		}
		return nil
	})
	assert.True(t, bytes.Equal(payload, got))
}

// A holder feeding several requesters directly.
func TestTryRecoverDataFanOut(t *testing.T) {
	const world = 3
	const payloadSize = 4096
	net := memnet.NewNetwork(world)
	engines := startWorld(t, net, world, nil)

	payload := patternBytes(payloadSize)
	bufs := map[int][]byte{
		1: make([]byte, payloadSize),
		2: make([]byte, payloadSize),
	}
	eachRank(t, engines, func(rank int, eng *Robust) error {
		role := commtypes.RoleRequestData
		buf := bufs[rank]
		size := 0
		if rank == 0 {
			role = commtypes.RoleHaveData
			buf = payload
			size = payloadSize
		}
		size, recvLink, reqIn, rt := eng.TryDecideRouting(role, size)
		if rt != commtypes.Success {
			return xerrors.Errorf("rank %d: routing: %s", rank, rt)
		}
		if rt := eng.TryRecoverData(role, buf, size, recvLink, reqIn); rt != commtypes.Success {
			return xerrors.Errorf("rank %d: recover: %s", rank, rt)
		}
		return nil
	})
	assert.True(t, bytes.Equal(payload, bufs[1]))
	assert.True(t, bytes.Equal(payload, bufs[2]))
}

// Streaming a buffer around the ring: rank 0 provides it, the others
// receive and forward while still receiving.
func TestRingPassing(t *testing.T) {
	const world = 3
	const size = 16 << 10
	net := memnet.NewNetworkBuffered(world, 512)
	engines := startWorld(t, net, world, nil)

	source := patternBytes(size)
	bufs := map[int][]byte{0: source, 1: make([]byte, size), 2: make([]byte, size)}
	eachRank(t, engines, func(rank int, eng *Robust) error {
		prev := eng.links()[eng.topo.RingPrev]
		next := eng.links()[eng.topo.RingNext]
		readPtr, readEnd, writePtr, writeEnd := 0, size, 0, size
		switch rank {
		case 0:
			// everything already on hand, nothing to read
			readPtr = size
		case 2:
			// end of the chain, nothing to forward
			writeEnd = 0
		}
		if rt := eng.RingPassing(bufs[rank], readPtr, readEnd, writePtr, writeEnd, prev, next); rt != commtypes.Success {
			return xerrors.Errorf("rank %d: ring: %s", rank, rt)
		}
		return nil
	})
	assert.True(t, bytes.Equal(source, bufs[1]))
	assert.True(t, bytes.Equal(source, bufs[2]))
}
