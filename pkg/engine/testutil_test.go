package engine

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"robust-collective/pkg/memnet"
)

// startWorld builds one engine per rank and connects them all; Init runs
// concurrently because the bootstrap rendezvous needs the whole world.
func startWorld(t *testing.T, net *memnet.Network, world int, args []string) []*Robust {
	t.Helper()
	engines := make([]*Robust, world)
	var g errgroup.Group
	for rank := 0; rank < world; rank++ {
		rank := rank
		engines[rank] = NewRobust(net, rank, world)
		g.Go(func() error {
			return engines[rank].Init(args)
		})
	}
	waitWorld(t, &g)
	return engines
}

// eachRank runs fn on every rank concurrently and waits for the world.
func eachRank(t *testing.T, engines []*Robust, fn func(rank int, eng *Robust) error) {
	t.Helper()
	var g errgroup.Group
	for rank := range engines {
		rank := rank
		if engines[rank] == nil {
			continue
		}
		g.Go(func() error {
			return fn(rank, engines[rank])
		})
	}
	waitWorld(t, &g)
}

// recovering wraps fn so an engine panic comes back as an error instead
// of killing the test binary.
func recovering(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = e
				return
			}
			err = xerrors.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}

func waitWorld(t *testing.T, g *errgroup.Group) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(60 * time.Second):
		t.Fatal("world deadlocked")
	}
}

func int32sToBytes(vals []int32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

func bytesToInt32s(buf []byte) []int32 {
	out := make([]int32, len(buf)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
