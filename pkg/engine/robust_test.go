package engine

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/xerrors"

	"robust-collective/pkg/common_errors"
	"robust-collective/pkg/commtypes"
	"robust-collective/pkg/memnet"
)

type bytesModel struct {
	data []byte
}

func (m *bytesModel) Marshal() ([]byte, error) {
	return append([]byte(nil), m.data...), nil
}

func (m *bytesModel) Unmarshal(data []byte) error {
	m.data = append([]byte(nil), data...)
	return nil
}

// allreduceInput is rank's contribution to the collective at seq: four
// int32 elements, all set to (rank+1)*(seq+1).
func allreduceInput(rank int, seq int) []byte {
	vals := make([]int32, 4)
	for i := range vals {
		vals[i] = int32((rank + 1) * (seq + 1))
	}
	return int32sToBytes(vals)
}

// expected world-wide sum for allreduceInput
func allreduceSum(world, seq int) []byte {
	total := int32(0)
	for rank := 0; rank < world; rank++ {
		total += int32((rank + 1) * (seq + 1))
	}
	return int32sToBytes([]int32{total, total, total, total})
}

// Fault-free reduction: every rank sees the sum, the sequence counter
// advances, and only the rank picked by the retention rule keeps seq 0
// once the next collective lands.
func TestAllreduceFaultFree(t *testing.T) {
	const world = 4
	net := memnet.NewNetwork(world)
	engines := startWorld(t, net, world, []string{"result_buffer_round=4"})

	for seq := 0; seq < 2; seq++ {
		seq := seq
		eachRank(t, engines, func(rank int, eng *Robust) error {
			buf := allreduceInput(rank, seq)
			eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
			if !bytes.Equal(buf, allreduceSum(world, seq)) {
				return xerrors.Errorf("rank %d seq %d: got %v", rank, seq, bytesToInt32s(buf))
			}
			return nil
		})
	}
	for rank, eng := range engines {
		assert.Equal(t, 2, eng.SeqCounter(), "rank %d", rank)
		// seq 0 survives its drop check only where 0 % R == rank % R
		if rank == 0 {
			assert.NotNil(t, eng.Results().Query(0))
		} else {
			assert.Nil(t, eng.Results().Query(0), "rank %d", rank)
		}
		// the most recent entry has not faced its drop check yet
		assert.NotNil(t, eng.Results().Query(1))
	}
}

// Late joiner: a restarted rank with a zeroed sequence counter is fed
// the cached results instead of re-running the reduction.
func TestLateJoinerCatchesUp(t *testing.T) {
	const world = 4
	args := []string{"result_buffer_round=2"}
	net := memnet.NewNetwork(world)
	engines := startWorld(t, net, world, args)

	for seq := 0; seq < 3; seq++ {
		seq := seq
		eachRank(t, engines, func(rank int, eng *Robust) error {
			buf := allreduceInput(rank, seq)
			eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
			return nil
		})
	}

	// rank 2 dies and comes back with a fresh engine
	net.Kill(2)
	engines[2] = NewRobust(net, 2, world)

	eachRank(t, engines, func(rank int, eng *Robust) error {
		if rank == 2 {
			if err := eng.Init(args); err != nil {
				return err
			}
			// replay from scratch: the first three must come out of the
			// peers' caches, bit-identical to the originals
			for seq := 0; seq < 4; seq++ {
				buf := allreduceInput(rank, seq)
				eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
				if !bytes.Equal(buf, allreduceSum(world, seq)) {
					return xerrors.Errorf("replay seq %d: got %v", seq, bytesToInt32s(buf))
				}
			}
			return nil
		}
		buf := allreduceInput(rank, 3)
		eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
		if !bytes.Equal(buf, allreduceSum(world, 3)) {
			return xerrors.Errorf("rank %d seq 3: got %v", rank, bytesToInt32s(buf))
		}
		return nil
	})
	for rank, eng := range engines {
		assert.Equal(t, 4, eng.SeqCounter(), "rank %d", rank)
	}
}

// A link dropped mid-broadcast: the collective re-executes after
// recovery and every rank ends with identical bytes.
func TestBroadcastLinkDrop(t *testing.T) {
	const world = 4
	const size = 1 << 20
	const rounds = 4
	net := memnet.NewNetworkBuffered(world, 8192)
	engines := startWorld(t, net, world, nil)

	// cut rank 1's link to the root once the first round has landed, so
	// the failure hits one of the remaining rounds mid-stream; everyone
	// keeps issuing collectives afterwards, which is what lets the
	// protocol re-converge
	severReady := make(chan struct{})
	go func() {
		<-severReady
		net.Sever(1, 0)
	}()

	var mu sync.Mutex
	final := make(map[int][]byte)
	eachRank(t, engines, func(rank int, eng *Robust) error {
		buf := make([]byte, size)
		for round := 0; round < rounds; round++ {
			payload := patternBytes(size)
			payload[0] = byte(round)
			if rank == 0 {
				copy(buf, payload)
			}
			eng.Broadcast(buf, 0)
			if !bytes.Equal(buf, payload) {
				return xerrors.Errorf("rank %d round %d diverged", rank, round)
			}
			if rank == 0 && round == 0 {
				close(severReady)
			}
		}
		mu.Lock()
		final[rank] = buf
		mu.Unlock()
		return nil
	})
	for rank := 0; rank < world; rank++ {
		assert.Equal(t, byte(rounds-1), final[rank][0], "rank %d diverged", rank)
	}
}

// Checkpoint / load: the version number counts checkpoints, and a
// restarted rank recovers the exact blob the others saved.
func TestCheckpointAndLoad(t *testing.T) {
	const world = 4
	net := memnet.NewNetwork(world)
	engines := startWorld(t, net, world, nil)

	saved := []byte("weights-after-stage-one")
	eachRank(t, engines, func(rank int, eng *Robust) error {
		buf := allreduceInput(rank, 0)
		eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
		return eng.CheckPoint(&bytesModel{data: saved})
	})
	for rank, eng := range engines {
		assert.Equal(t, 1, eng.VersionNumber(), "rank %d", rank)
		assert.Equal(t, 0, eng.SeqCounter(), "seq counter resets on checkpoint")
		assert.Equal(t, 0, eng.Results().Len(), "result buffer clears on checkpoint")
	}

	net.Kill(3)
	engines[3] = NewRobust(net, 3, world)

	eachRank(t, engines, func(rank int, eng *Robust) error {
		if rank == 3 {
			if err := eng.Init(nil); err != nil {
				return err
			}
			model := &bytesModel{}
			version, err := eng.LoadCheckPoint(model, nil)
			if err != nil {
				return err
			}
			if version != 1 {
				return xerrors.Errorf("loaded version %d", version)
			}
			if !bytes.Equal(model.data, saved) {
				return xerrors.Errorf("loaded model diverged: %q", model.data)
			}
		}
		buf := allreduceInput(rank, 0)
		eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
		if !bytes.Equal(buf, allreduceSum(world, 0)) {
			return xerrors.Errorf("rank %d post-load allreduce: got %v", rank, bytesToInt32s(buf))
		}
		return nil
	})
	assert.Equal(t, 1, engines[3].VersionNumber())
}

// When every rank restarts at once the checkpoint is gone: memory-only
// replication cannot survive the whole world dying, so everyone gets a
// fresh start.
func TestLoadCheckPointFreshStart(t *testing.T) {
	const world = 3
	net := memnet.NewNetwork(world)
	engines := startWorld(t, net, world, nil)
	eachRank(t, engines, func(rank int, eng *Robust) error {
		version, err := eng.LoadCheckPoint(&bytesModel{}, nil)
		if err != nil {
			return err
		}
		if version != 0 {
			return xerrors.Errorf("rank %d: phantom version %d", rank, version)
		}
		return nil
	})
}

func TestLoadCheckPointRejectsLocalModel(t *testing.T) {
	eng := NewRobust(nil, 0, 1)
	_, err := eng.LoadCheckPoint(&bytesModel{}, &bytesModel{})
	assert.True(t, xerrors.Is(err, common_errors.ErrLocalModelUnsupported))
}

func TestCheckpointVersionMonotonic(t *testing.T) {
	const world = 2
	net := memnet.NewNetwork(world)
	engines := startWorld(t, net, world, nil)
	for k := 1; k <= 3; k++ {
		k := k
		eachRank(t, engines, func(rank int, eng *Robust) error {
			if err := eng.CheckPoint(&bytesModel{data: []byte(fmt.Sprintf("v%d", k))}); err != nil {
				return err
			}
			if eng.VersionNumber() != k {
				return xerrors.Errorf("rank %d: version %d after %d checkpoints", rank, eng.VersionNumber(), k)
			}
			return nil
		})
	}
}

// Two workers lost at once. With R=2 the union of surviving caches
// covers every replayed seqno and recovery completes; with R=5 a seqno
// exists that only the dead ranks retained, which is fatal.
func TestTwoConcurrentFailuresRecovers(t *testing.T) {
	const world = 5
	args := []string{"result_buffer_round=2"}
	net := memnet.NewNetwork(world)
	engines := startWorld(t, net, world, args)

	runRounds(t, engines, world, 0, 5)

	net.Kill(1)
	net.Kill(4)
	engines[1] = NewRobust(net, 1, world)
	engines[4] = NewRobust(net, 4, world)

	eachRank(t, engines, func(rank int, eng *Robust) error {
		if rank == 1 || rank == 4 {
			if err := eng.Init(args); err != nil {
				return err
			}
			for seq := 0; seq < 6; seq++ {
				buf := allreduceInput(rank, seq)
				eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
				if !bytes.Equal(buf, allreduceSum(world, seq)) {
					return xerrors.Errorf("rank %d replay seq %d: got %v", rank, seq, bytesToInt32s(buf))
				}
			}
			return nil
		}
		buf := allreduceInput(rank, 5)
		eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
		if !bytes.Equal(buf, allreduceSum(world, 5)) {
			return xerrors.Errorf("rank %d seq 5: got %v", rank, bytesToInt32s(buf))
		}
		return nil
	})
}

func TestTwoConcurrentFailuresFatal(t *testing.T) {
	const world = 5
	args := []string{"result_buffer_round=5"}
	net := memnet.NewNetwork(world)
	engines := startWorld(t, net, world, args)

	runRounds(t, engines, world, 0, 5)

	net.Kill(1)
	net.Kill(4)
	engines[1] = NewRobust(net, 1, world)
	engines[4] = NewRobust(net, 4, world)

	// seq 1 was retained only by the dead ranks: the replay must hit the
	// unrecoverable-loss assertion on every surviving node
	errs := make([]error, world)
	eachRank(t, engines, func(rank int, eng *Robust) error {
		errs[rank] = recovering(func() error {
			if rank == 1 || rank == 4 {
				if err := eng.Init(args); err != nil {
					return err
				}
				for seq := 0; seq < 6; seq++ {
					buf := allreduceInput(rank, seq)
					eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
				}
				return nil
			}
			buf := allreduceInput(rank, 5)
			eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
			return nil
		})
		return nil
	})
	fatal := 0
	for _, err := range errs {
		if xerrors.Is(err, common_errors.ErrTooManyNodesDown) {
			fatal++
		}
	}
	assert.Greater(t, fatal, 0, "someone must hit the too-many-nodes-down assertion")
}

// Shutdown is a pseudo checkpoint: every rank must agree before links
// come down.
func TestShutdownConsensus(t *testing.T) {
	const world = 3
	net := memnet.NewNetwork(world)
	engines := startWorld(t, net, world, nil)
	eachRank(t, engines, func(rank int, eng *Robust) error {
		buf := allreduceInput(rank, 0)
		eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
		eng.Shutdown()
		return nil
	})
}

func runRounds(t *testing.T, engines []*Robust, world, from, to int) {
	t.Helper()
	for seq := from; seq < to; seq++ {
		seq := seq
		eachRank(t, engines, func(rank int, eng *Robust) error {
			buf := allreduceInput(rank, seq)
			eng.Allreduce(buf, 4, 4, commtypes.SumInt32)
			if !bytes.Equal(buf, allreduceSum(world, seq)) {
				return xerrors.Errorf("rank %d seq %d: got %v", rank, seq, bytesToInt32s(buf))
			}
			return nil
		})
	}
}
