package commtypes

import (
	"encoding/binary"
	"math"

	"github.com/rs/zerolog/log"
)

// Reducer folds src into dst element-wise. Both buffers hold count
// elements of typeNbytes bytes each; the operation must be associative
// and commutative so that the reduction order over ranks does not matter.
type Reducer interface {
	Reduce(dst, src []byte, typeNbytes int, count int)
}

// ReducerFunc adapts a plain function to the Reducer interface.
type ReducerFunc func(dst, src []byte, typeNbytes int, count int)

func (f ReducerFunc) Reduce(dst, src []byte, typeNbytes int, count int) {
	f(dst, src, typeNbytes, count)
}

func checkReduceArgs(dst, src []byte, typeNbytes int, count int) {
	if len(dst) < typeNbytes*count || len(src) < typeNbytes*count {
		log.Fatal().Msgf("reducer buffer too short: dst=%d src=%d need=%d",
			len(dst), len(src), typeNbytes*count)
	}
}

// SumFloat64 sums little-endian float64 elements.
var SumFloat64 Reducer = ReducerFunc(func(dst, src []byte, typeNbytes int, count int) {
	checkReduceArgs(dst, src, typeNbytes, count)
	for i := 0; i < count; i++ {
		off := i * typeNbytes
		a := math.Float64frombits(binary.LittleEndian.Uint64(dst[off:]))
		b := math.Float64frombits(binary.LittleEndian.Uint64(src[off:]))
		binary.LittleEndian.PutUint64(dst[off:], math.Float64bits(a+b))
	}
})

// MaxFloat64 keeps the element-wise maximum of little-endian float64s.
var MaxFloat64 Reducer = ReducerFunc(func(dst, src []byte, typeNbytes int, count int) {
	checkReduceArgs(dst, src, typeNbytes, count)
	for i := 0; i < count; i++ {
		off := i * typeNbytes
		a := math.Float64frombits(binary.LittleEndian.Uint64(dst[off:]))
		b := math.Float64frombits(binary.LittleEndian.Uint64(src[off:]))
		if b > a {
			binary.LittleEndian.PutUint64(dst[off:], math.Float64bits(b))
		}
	}
})

// SumInt32 sums little-endian int32 elements.
var SumInt32 Reducer = ReducerFunc(func(dst, src []byte, typeNbytes int, count int) {
	checkReduceArgs(dst, src, typeNbytes, count)
	for i := 0; i < count; i++ {
		off := i * typeNbytes
		a := int32(binary.LittleEndian.Uint32(dst[off:]))
		b := int32(binary.LittleEndian.Uint32(src[off:]))
		binary.LittleEndian.PutUint32(dst[off:], uint32(a+b))
	}
})
