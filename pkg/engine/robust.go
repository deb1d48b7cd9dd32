package engine

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tinylib/msgp/msgp"
	"github.com/unixpickle/essentials"
	"golang.org/x/xerrors"

	"robust-collective/pkg/common_errors"
	"robust-collective/pkg/commtypes"
	"robust-collective/pkg/env_config"
	"robust-collective/pkg/stats"
	"robust-collective/pkg/utils/syncutils"
)

// Robust is the fault-tolerant collective engine. It wraps the base
// tree engine with the action-summary consensus, the result-buffer
// cache, and the routing/streaming recovery machinery, so that node and
// link failures at any point inside a collective are absorbed without
// restarting training.
//
// Not safe for concurrent use; callers serialize all entry points.
type Robust struct {
	*Base

	seqCounter    int32
	versionNumber int32

	resbuf            *ResultBuffer
	resultBufferRound int

	// opaque (version, model) blob, replicated on demand through the
	// recovery protocol; lives only in worker memory
	globalCheckpoint []byte

	numResets      stats.Counter
	bytesRecovered stats.Counter

	closed syncutils.AtomicBool
}

func NewRobust(boot Bootstrap, rank, worldSize int) *Robust {
	return &Robust{
		Base:              NewBase(boot, rank, worldSize),
		resbuf:            NewResultBuffer(),
		resultBufferRound: 1,
		numResets:         stats.NewCounter("link_reset"),
		bytesRecovered:    stats.NewCounter("recovered_bytes"),
	}
}

// Init applies name=value arguments and connects the initial links.
func (r *Robust) Init(argv []string) error {
	for _, arg := range argv {
		name, value, found := strings.Cut(arg, "=")
		if !found {
			continue
		}
		if err := r.SetParam(name, value); err != nil {
			return err
		}
	}
	return r.ReConnectLinks("start")
}

// SetParam recognizes:
//
//	result_buffer_round — retention period R directly
//	result_replicate    — replication factor k, mapped to R = max(world_size/k, 1)
//	reduce_buffer_size  — per-link ring buffer cap in bytes
func (r *Robust) SetParam(name, value string) error {
	switch name {
	case "result_buffer_round":
		round, err := strconv.Atoi(value)
		if err != nil || round <= 0 {
			return xerrors.Errorf("result_buffer_round=%q: %w", value, common_errors.ErrUnknownParam)
		}
		r.resultBufferRound = round
	case "result_replicate":
		k, err := strconv.Atoi(value)
		if err != nil || k <= 0 {
			return xerrors.Errorf("result_replicate=%q: %w", value, common_errors.ErrUnknownParam)
		}
		r.resultBufferRound = essentials.MaxInt(r.worldSize/k, 1)
	case "reduce_buffer_size":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return xerrors.Errorf("reduce_buffer_size=%q: %w", value, common_errors.ErrUnknownParam)
		}
		r.reduceBufferSize = n
	default:
		return xerrors.Errorf("%s: %w", name, common_errors.ErrUnknownParam)
	}
	return nil
}

// VersionNumber counts successful checkpoints; zero means none yet.
func (r *Robust) VersionNumber() int {
	return int(r.versionNumber)
}

// SeqCounter counts collectives since the last checkpoint.
func (r *Robust) SeqCounter() int {
	return int(r.seqCounter)
}

// ResultBufferRound exposes the retention period R.
func (r *Robust) ResultBufferRound() int {
	return r.resultBufferRound
}

// Results exposes the result buffer for inspection.
func (r *Robust) Results() *ResultBuffer {
	return r.resbuf
}

// CheckAndRecover returns true when errType is Success. Otherwise it
// tears down every live link, rejoins the world through the bootstrap,
// and returns false so the caller re-reduces an action summary. In-flight
// state is deliberately discarded; agreement is rebuilt from scratch.
func (r *Robust) CheckAndRecover(errType commtypes.ReturnType) bool {
	if errType == commtypes.Success {
		return true
	}
	log.Warn().Msgf("rank %d: collective failed (%s), rebuilding links", r.rank, errType)
	for _, l := range r.links() {
		if !l.Sock.BadSocket() {
			l.Sock.Close()
		}
	}
	if err := r.ReConnectLinks("recover"); err != nil {
		log.Fatal().Err(err).Msgf("rank %d: cannot rejoin world", r.rank)
	}
	return false
	// older partial-recovery path, kept for reference:
	//
	//	for errType != commtypes.Success {
	//		switch errType {
	//		case commtypes.GetExcept:
	//			errType = r.TryResetLinks()
	//		case commtypes.SockError:
	//			r.TryResetLinks()
	//			r.ReConnectLinks("recover")
	//			errType = commtypes.Success
	//		}
	//	}
	//	return false
}

// TryLoadCheckPoint collaboratively restores the checkpoint blob. Only
// requester nodes receive it; every other node takes the holder role and
// supplies its own copy.
func (r *Robust) TryLoadCheckPoint(requester bool) commtypes.ReturnType {
	role := commtypes.RoleHaveData
	if requester {
		role = commtypes.RoleRequestData
	}
	size, recvLink, reqIn, rt := r.TryDecideRouting(role, len(r.globalCheckpoint))
	if rt != commtypes.Success {
		return rt
	}
	if role == commtypes.RoleRequestData {
		if cap(r.globalCheckpoint) < size {
			r.globalCheckpoint = make([]byte, size)
		}
		r.globalCheckpoint = r.globalCheckpoint[:size]
	}
	if size == 0 {
		return commtypes.Success
	}
	return r.TryRecoverData(role, r.globalCheckpoint, size, recvLink, reqIn)
}

// TryGetResult collaboratively replays the collective output at seqNo to
// the requester from whichever peer still caches it.
func (r *Robust) TryGetResult(buf []byte, seqNo int32, requester bool) commtypes.ReturnType {
	var role commtypes.RecoverRole
	size := len(buf)
	if requester {
		role = commtypes.RoleRequestData
	} else {
		buf = r.resbuf.Query(seqNo)
		size = len(buf)
		if buf != nil {
			role = commtypes.RoleHaveData
		} else {
			role = commtypes.RolePassData
		}
	}
	size, recvLink, reqIn, rt := r.TryDecideRouting(role, size)
	if rt != commtypes.Success {
		return rt
	}
	if size == 0 {
		panic(xerrors.Errorf("seqno %d: %w", seqNo, common_errors.ErrZeroSizeResult))
	}
	if requester {
		protoAssert(size <= len(buf), "cached result larger than requester buffer")
		buf = buf[:size]
	}
	return r.TryRecoverData(role, buf, size, recvLink, reqIn)
}

// RecoverExec is the single choke point all collectives flow through: it
// reduces the per-rank requested action across the world and keeps
// driving recovery steps until either this rank's request has been
// satisfied cooperatively (true) or the requested action turns out to be
// the next fresh operation the caller must run itself (false).
func (r *Robust) RecoverExec(buf []byte, flag uint32, seqNo int32) bool {
	if r.closed.Get() {
		log.Fatal().Msgf("rank %d: collective after shutdown", r.rank)
	}
	if flag != 0 {
		protoAssert(seqNo == commtypes.MaxSeq, "special ops carry no seqno")
	}
	req := commtypes.NewActionSummary(flag, seqNo)
	wire := make([]byte, commtypes.ActionSummarySize)
	for {
		req.Encode(wire)
		if !r.CheckAndRecover(r.TryAllreduce(wire, commtypes.ActionSummarySize, 1, commtypes.ActionSummaryReducer)) {
			continue
		}
		act := commtypes.DecodeActionSummary(wire)
		if env_config.TRACE_RECOVERY {
			log.Debug().Msgf("rank %d: action summary flags=%x seq=[%d,%d]",
				r.rank, act.Flags, act.MinSeqNo, act.MaxSeqNo)
		}
		if act.CheckAck() {
			switch {
			case act.CheckPoint():
				// a checkpoint proposal outranks the ack phase
				protoAssert(!act.DiffSeq(), "check ack and checkpoint cannot mix with normal ops")
				if req.CheckPoint() {
					return true
				}
			case act.LoadCheck():
				if !r.CheckAndRecover(r.TryLoadCheckPoint(req.LoadCheck())) {
					continue
				}
				if req.LoadCheck() {
					return true
				}
			default:
				if req.CheckAck() {
					return true
				}
			}
			// our own request was not completed this round, reduce again
			continue
		}
		if act.CheckPoint() {
			if act.DiffSeq() {
				// some peer still lags behind: replay its missing result
				// before anyone checkpoints
				protoAssert(act.MinSeqNo != commtypes.MaxSeq, "diff seq with no real seqno")
				requester := req.MinSeqNo == act.MinSeqNo
				if !r.CheckAndRecover(r.TryGetResult(buf, act.MinSeqNo, requester)) {
					continue
				}
				if requester {
					return true
				}
			} else if req.CheckPoint() {
				return true
			}
			continue
		}
		if act.LoadCheck() {
			if !act.DiffSeq() {
				// everyone asked to load mid-stream: nothing to load from,
				// the caller proceeds and will retry
				return false
			}
			if !r.CheckAndRecover(r.TryLoadCheckPoint(req.LoadCheck())) {
				continue
			}
			if req.LoadCheck() {
				return true
			}
			continue
		}
		protoAssert(act.MinSeqNo != commtypes.MaxSeq, "plain action with no real seqno")
		if act.DiffSeq() {
			requester := req.MinSeqNo == act.MinSeqNo
			if !r.CheckAndRecover(r.TryGetResult(buf, act.MinSeqNo, requester)) {
				continue
			}
			if requester {
				return true
			}
			continue
		}
		// every rank is at the same seq_counter: this is the freshly
		// requested collective, run it for real
		return false
	}
}

// Allreduce reduces buf in place across the world, riding out any
// failures through RecoverExec. The caller never observes a transient
// network error.
func (r *Robust) Allreduce(buf []byte, typeNbytes, count int, reducer commtypes.Reducer) {
	recovered := r.RecoverExec(buf, 0, r.seqCounter)
	r.dropStaleResult()
	n := typeNbytes * count
	temp := r.resbuf.AllocTemp(typeNbytes, count)
	for {
		if recovered {
			copy(temp, buf[:n])
			break
		}
		copy(temp, buf[:n])
		if r.CheckAndRecover(r.Base.TryAllreduce(temp, typeNbytes, count, reducer)) {
			copy(buf[:n], temp)
			break
		}
		recovered = r.RecoverExec(buf, 0, r.seqCounter)
	}
	r.resbuf.PushTemp(r.seqCounter, typeNbytes, count)
	r.seqCounter++
}

// Broadcast copies root's buf to every rank in place, with the same
// recovery behavior as Allreduce.
func (r *Robust) Broadcast(buf []byte, root int) {
	recovered := r.RecoverExec(buf, 0, r.seqCounter)
	r.dropStaleResult()
	temp := r.resbuf.AllocTemp(1, len(buf))
	for {
		if recovered {
			copy(temp, buf)
			break
		}
		if r.CheckAndRecover(r.Base.TryBroadcast(buf, root)) {
			copy(temp, buf)
			break
		}
		recovered = r.RecoverExec(buf, 0, r.seqCounter)
	}
	r.resbuf.PushTemp(r.seqCounter, 1, len(buf))
	r.seqCounter++
}

// dropStaleResult applies the retention rule: each worker permanently
// keeps only seqnos congruent to its rank mod R.
func (r *Robust) dropStaleResult() {
	last := r.resbuf.LastSeqNo()
	if last != -1 && int(last)%r.resultBufferRound != r.rank%r.resultBufferRound {
		r.resbuf.DropLast()
	}
}

// LoadCheckPoint restores the latest checkpoint into globalModel and
// returns its version, or 0 when no checkpoint exists (the model is left
// untouched and the caller initializes it). localModel must be nil;
// rank-local state is not supported.
func (r *Robust) LoadCheckPoint(globalModel, localModel commtypes.Model) (int, error) {
	if localModel != nil {
		return 0, common_errors.ErrLocalModelUnsupported
	}
	if r.RecoverExec(nil, commtypes.FlagLoadCheck, commtypes.MaxSeq) {
		r.resbuf.Clear()
		r.seqCounter = 0
		if len(r.globalCheckpoint) == 0 {
			return 0, nil
		}
		version, model, err := decodeCheckpoint(r.globalCheckpoint)
		if err != nil {
			return 0, err
		}
		r.versionNumber = version
		if version == 0 {
			return 0, nil
		}
		if err := globalModel.Unmarshal(model); err != nil {
			return 0, xerrors.Errorf("load checkpoint v%d: %w", version, err)
		}
		// another ack phase so every rank observes the completed load
		protoAssert(r.RecoverExec(nil, commtypes.FlagCheckAck, commtypes.MaxSeq),
			"check ack must return true")
		return int(version), nil
	}
	// fresh start: nothing checkpointed anywhere in the world
	r.resbuf.Clear()
	r.seqCounter = 0
	return 0, nil
}

// CheckPoint marks the end of a training stage: the version number
// increments, the blob is rebuilt from globalModel, and the result
// buffer resets. Every rank must call it with an identical model.
func (r *Robust) CheckPoint(globalModel commtypes.Model) error {
	protoAssert(r.RecoverExec(nil, commtypes.FlagCheckPoint, commtypes.MaxSeq),
		"check point must return true")
	r.versionNumber++
	model, err := globalModel.Marshal()
	if err != nil {
		r.versionNumber--
		return xerrors.Errorf("checkpoint v%d: %w", r.versionNumber+1, err)
	}
	r.globalCheckpoint = encodeCheckpoint(r.versionNumber, model)
	r.resbuf.Clear()
	r.seqCounter = 0
	protoAssert(r.RecoverExec(nil, commtypes.FlagCheckAck, commtypes.MaxSeq),
		"check ack must return true")
	return nil
}

// Shutdown runs a pseudo checkpoint so every rank agrees execution is
// over, then closes the links.
func (r *Robust) Shutdown() {
	protoAssert(r.RecoverExec(nil, commtypes.FlagCheckPoint, commtypes.MaxSeq),
		"check point must return true")
	r.resbuf.Clear()
	r.seqCounter = 0
	protoAssert(r.RecoverExec(nil, commtypes.FlagCheckAck, commtypes.MaxSeq),
		"check ack must return true")
	r.closed.Set(true)
	r.numResets.Report()
	r.bytesRecovered.Report()
	r.Base.Shutdown()
}

func encodeCheckpoint(version int32, model []byte) []byte {
	blob := msgp.AppendInt32(nil, version)
	return msgp.AppendBytes(blob, model)
}

func decodeCheckpoint(blob []byte) (int32, []byte, error) {
	version, rest, err := msgp.ReadInt32Bytes(blob)
	if err != nil {
		return 0, nil, xerrors.Errorf("checkpoint blob version: %w", err)
	}
	model, _, err := msgp.ReadBytesBytes(rest, nil)
	if err != nil {
		return 0, nil, xerrors.Errorf("checkpoint blob payload: %w", err)
	}
	return version, model, nil
}
