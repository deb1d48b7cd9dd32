package common_errors

import (
	"golang.org/x/xerrors"
)

var (
	ErrWouldBlock            = xerrors.New("operation would block")
	ErrSocketClosed          = xerrors.New("socket closed")
	ErrBadSocket             = xerrors.New("operation on bad socket")
	ErrInconsistentSize      = xerrors.New("allreduce result size inconsistent across peers")
	ErrTooManyNodesDown      = xerrors.New("too many nodes went down and the result cannot be recovered")
	ErrLocalModelUnsupported = xerrors.New("rank-local model state is not supported")
	ErrZeroSizeResult        = xerrors.New("zero size result is not allowed")
	ErrUnknownParam          = xerrors.New("unknown engine parameter")
	ErrWorldMismatch         = xerrors.New("rank outside of world")
)

func IsWouldBlockError(err error) bool {
	return err == ErrWouldBlock
}

func IsSocketClosedError(err error) bool {
	return err == ErrSocketClosed
}
