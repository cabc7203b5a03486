package cell

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInt32RoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, -1, math.MaxInt32, math.MinInt32} {
		require.Equal(t, v, FromInt32(v).ToInt32())
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	for _, v := range []float32{0, 1.5, -3.25, math.MaxFloat32} {
		require.Equal(t, v, FromFloat32(v).ToFloat32())
	}
}

func TestInt64SplitJoinRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, math.MaxInt64, math.MinInt64} {
		lo, hi := SplitInt64(v)
		require.Equal(t, v, JoinInt64(lo, hi))
	}
}

func TestInt64SplitIsLowWordFirst(t *testing.T) {
	lo, hi := SplitInt64(0x1122334455667788)
	require.Equal(t, Cell(0x55667788), lo)
	require.Equal(t, Cell(0x11223344), hi)
}

func TestFloat64SplitJoinRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1.5, -3.25, math.MaxFloat64} {
		lo, hi := SplitFloat64(v)
		require.Equal(t, v, JoinFloat64(lo, hi))
	}
}

func TestWidth(t *testing.T) {
	require.Equal(t, 1, Width(KindInt, false))
	require.Equal(t, 2, Width(KindInt, true))
	require.Equal(t, 2, Width(KindFloat, true))
}

func TestValueConstructors(t *testing.T) {
	require.Equal(t, int32(42), Int(42).Cell.ToInt32())
	require.Equal(t, float32(2.5), Float(2.5).Cell.ToFloat32())

	nilRef := RefVal(nil)
	require.True(t, nilRef.IsNilRef())

	liveRef := RefVal(&struct{}{})
	require.False(t, liveRef.IsNilRef())
	require.False(t, Int(0).IsNilRef())
}
