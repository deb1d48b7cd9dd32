package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"robust-collective/pkg/commtypes"
	"robust-collective/pkg/engine"
	"robust-collective/pkg/memnet"
)

var (
	FLAGS_world_size  int
	FLAGS_rounds      int
	FLAGS_elems       int
	FLAGS_replicate   int
	FLAGS_sever_rank  int
	FLAGS_sever_after int
)

type vectorModel struct {
	weights []float64
}

func (m *vectorModel) Marshal() ([]byte, error) {
	out := make([]byte, 8*len(m.weights))
	for i, w := range m.weights {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(w))
	}
	return out, nil
}

func (m *vectorModel) Unmarshal(data []byte) error {
	m.weights = make([]float64, len(data)/8)
	for i := range m.weights {
		m.weights[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return nil
}

func runWorker(net *memnet.Network, rank int) error {
	eng := engine.NewRobust(net, rank, FLAGS_world_size)
	if err := eng.Init([]string{fmt.Sprintf("result_replicate=%d", FLAGS_replicate)}); err != nil {
		return err
	}
	model := &vectorModel{weights: make([]float64, FLAGS_elems)}
	version, err := eng.LoadCheckPoint(model, nil)
	if err != nil {
		return err
	}
	if version == 0 && rank == 0 {
		log.Info().Msgf("no checkpoint found, starting fresh")
	}
	buf := make([]byte, 8*FLAGS_elems)
	for round := version; round < FLAGS_rounds; round++ {
		for i := 0; i < FLAGS_elems; i++ {
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(float64(rank+round+i)))
		}
		eng.Allreduce(buf, 8, FLAGS_elems, commtypes.SumFloat64)
		for i := range model.weights {
			model.weights[i] += math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
		}
		if err := eng.CheckPoint(model); err != nil {
			return err
		}
		if rank == 0 {
			log.Info().Msgf("round %d done, w[0]=%g, version=%d", round, model.weights[0], eng.VersionNumber())
		}
	}
	eng.Shutdown()
	return nil
}

func main() {
	flag.IntVar(&FLAGS_world_size, "world_size", 4, "")
	flag.IntVar(&FLAGS_rounds, "rounds", 8, "")
	flag.IntVar(&FLAGS_elems, "elems", 1024, "")
	flag.IntVar(&FLAGS_replicate, "replicate", 2, "")
	flag.IntVar(&FLAGS_sever_rank, "sever_rank", 2, "cut this rank's link to rank 0 mid-run, -1 to disable")
	flag.IntVar(&FLAGS_sever_after, "sever_after", 150, "milliseconds before cutting the link")
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	net := memnet.NewNetwork(FLAGS_world_size)
	var g errgroup.Group
	for rank := 0; rank < FLAGS_world_size; rank++ {
		rank := rank
		g.Go(func() error {
			return runWorker(net, rank)
		})
	}
	if FLAGS_sever_rank > 0 {
		// fail a live link mid-training; both ends rebuild the world and
		// the collective re-executes without user-visible errors
		go func() {
			time.Sleep(time.Duration(FLAGS_sever_after) * time.Millisecond)
			log.Warn().Msgf("severing link %d <-> 0", FLAGS_sever_rank)
			net.Sever(FLAGS_sever_rank, 0)
		}()
	}
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("demo failed")
	}
	log.Info().Msg("all workers finished")
}
