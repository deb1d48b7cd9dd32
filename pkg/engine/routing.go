package engine

import (
	"encoding/binary"
	"math"

	"golang.org/x/xerrors"

	"robust-collective/pkg/common_errors"
	"robust-collective/pkg/commtypes"
)

// unreachableHops propagates unchanged through ShortestDist.
const unreachableHops = int32(math.MaxInt32)

// DistMsg travels the tree during the shortest-distance pass: the hop
// count to the nearest node holding the payload in that direction, and
// the payload size that node reports.
type DistMsg struct {
	Hops int32
	Size int64
}

const distMsgSize = 12

func encDistMsg(m DistMsg, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(m.Hops))
	binary.LittleEndian.PutUint64(buf[4:], uint64(m.Size))
}

func decDistMsg(buf []byte) DistMsg {
	return DistMsg{
		Hops: int32(binary.LittleEndian.Uint32(buf[0:])),
		Size: int64(binary.LittleEndian.Uint64(buf[4:])),
	}
}

// distNode is the node value of the shortest-distance pass.
type distNode struct {
	hasData bool
	size    int64
}

// ShortestDist is the first message-passing combinator: a node holding
// the payload reports distance 1; anyone else forwards the minimum
// inbound distance plus one hop, carrying the reporter's size along.
// Ties break toward the lower link index.
func ShortestDist(node distNode, distIn []DistMsg, outIndex int) DistMsg {
	if node.hasData {
		return DistMsg{Hops: 1, Size: node.size}
	}
	best := DistMsg{Hops: unreachableHops}
	for i, d := range distIn {
		if i == outIndex || d.Hops == unreachableHops {
			continue
		}
		if d.Hops+1 < best.Hops {
			best = DistMsg{Hops: d.Hops + 1, Size: d.Size}
		}
	}
	return best
}

// reqNode is the node value of the data-request pass.
type reqNode struct {
	requestData bool
	bestLink    int
}

// DataRequest is the second combinator: emit 1 on the edge the node
// chose as its inbound source iff the node itself needs the payload or
// some other inbound edge is asking this node for it. This propagates
// demand toward the source along the chosen tree.
func DataRequest(node reqNode, reqIn []byte, outIndex int) byte {
	if outIndex != node.bestLink {
		return 0
	}
	if node.requestData {
		return 1
	}
	for i, r := range reqIn {
		if i == outIndex {
			continue
		}
		if r != 0 {
			return 1
		}
	}
	return 0
}

func encReqMsg(m byte, buf []byte) { buf[0] = m }
func decReqMsg(buf []byte) byte    { return buf[0] }

// protoAssert guards routing-protocol invariants that hold on every
// correct run; a violation is a programming bug, not a network fault.
func protoAssert(cond bool, msg string) {
	if !cond {
		panic(xerrors.Errorf("routing protocol violation: %s", msg))
	}
}

// TryDecideRouting composes the two message passes into a routing
// decision for one recovery transfer: the payload size, the link to
// receive on (-1 when this node already holds the data), and the
// per-link bitmap of requesters to send to.
//
// Size inconsistency across peers and an unreachable payload are fatal:
// they mean either a protocol bug or that the latest result is gone from
// the entire cluster.
func (r *Robust) TryDecideRouting(role commtypes.RecoverRole, size int) (int, int, []bool, commtypes.ReturnType) {
	distIn, _, rt := MsgPassing(r.Base,
		distNode{hasData: role == commtypes.RoleHaveData, size: int64(size)},
		DistMsg{Hops: unreachableHops}, distMsgSize, encDistMsg, decDistMsg, ShortestDist)
	if rt != commtypes.Success {
		return size, -1, nil, rt
	}
	bestLink := -2
	if role != commtypes.RoleHaveData {
		for _, i := range r.topo.TreeLinks {
			d := distIn[i]
			if d.Hops == unreachableHops {
				continue
			}
			if bestLink != -2 && int(d.Size) != size {
				panic(xerrors.Errorf("rank %d: seqno payload reported as both %d and %d bytes: %w",
					r.rank, size, d.Size, common_errors.ErrInconsistentSize))
			}
			if bestLink == -2 || d.Hops < distIn[bestLink].Hops {
				bestLink = i
				size = int(d.Size)
			}
		}
		if bestLink == -2 {
			panic(xerrors.Errorf("rank %d: %w", r.rank, common_errors.ErrTooManyNodesDown))
		}
	} else {
		bestLink = -1
	}
	reqInRaw, reqOut, rt := MsgPassing(r.Base,
		reqNode{requestData: role == commtypes.RoleRequestData, bestLink: bestLink},
		byte(0), 1, encReqMsg, decReqMsg, DataRequest)
	if rt != commtypes.Success {
		return size, bestLink, nil, rt
	}
	reqIn := make([]bool, len(reqInRaw))
	for i := range reqInRaw {
		reqIn[i] = reqInRaw[i] != 0
		if reqOut[i] != 0 {
			// asking link i for data while it asks us back is only legal
			// on the inbound edge of a requester
			protoAssert(!reqIn[i] || i == bestLink, "cannot get and receive request on one link")
			protoAssert(i == bestLink, "request sent on a non-source link")
		}
	}
	return size, bestLink, reqIn, commtypes.Success
}
