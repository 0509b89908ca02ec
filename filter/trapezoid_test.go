package filter

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/jbrzusto/ogscope/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRing(t *testing.T, n int) *buffer.Ring {
	t.Helper()
	r, err := buffer.NewRing(n)
	require.NoError(t, err)
	return r
}

func TestShape_Validate(t *testing.T) {
	ring := newRing(t, 64)

	cases := []struct {
		name  string
		shape Shape
		ok    bool
	}{
		{"short", Shape{Rate: 2, Length: 4, Gap: 2}, true},
		{"length below rate", Shape{Rate: 8, Length: 4, Gap: 2}, false},
		{"zero rate", Shape{Rate: 0, Length: 4, Gap: 2}, false},
		{"negative gap", Shape{Rate: 2, Length: 4, Gap: -1}, false},
		{"history exactly fits", Shape{Rate: 4, Length: 24, Gap: 8}, true},
		{"history too long", Shape{Rate: 4, Length: 24, Gap: 9}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.shape, ring)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrShape), "got %v", err)
			}
		})
	}
}

func TestTrapezoid_IncrementalMatchesDirect(t *testing.T) {
	shapes := []Shape{
		{Rate: 2, Length: 4, Gap: 2},
		{Rate: 1, Length: 1, Gap: 0},
		{Rate: 3, Length: 5, Gap: 0}, // gap shorter than rate
		{Rate: 8, Length: 64, Gap: 32},
	}
	rng := rand.New(rand.NewSource(1))

	for _, shape := range shapes {
		ring := newRing(t, 256)
		f, err := New(shape, ring)
		require.NoError(t, err)

		// several trips around the ring, with 12-bit samples
		for i := 0; i < 5*ring.Cap(); i++ {
			ring.Write(buffer.Sample(rng.Intn(4096)))
			got := f.Update(ring)
			require.Equalf(t, f.Direct(ring), got, "shape %+v, sample %d", shape, i)
		}
		assert.True(t, f.Initialized())
		assert.Equal(t, uint64(5*ring.Cap()-1), f.Processed())
		assert.Equal(t, ring.Pos(), f.Pos())
	}
}

func TestTrapezoid_ConstantInputSettlesToZero(t *testing.T) {
	ring := newRing(t, 16)
	shape := Shape{Rate: 2, Length: 4, Gap: 2}
	f, err := New(shape, ring)
	require.NoError(t, err)

	for i := 0; i < 64; i++ {
		ring.Write(1000)
		f.Update(ring)
		if i >= shape.History() {
			require.Equalf(t, int64(0), f.Normalized(), "sample %d", i)
		}
	}
	assert.Equal(t, int64(0), f.Value())
}

func TestTrapezoid_StepResponse(t *testing.T) {
	ring := newRing(t, 64)
	shape := Shape{Rate: 2, Length: 4, Gap: 2}
	f, err := New(shape, ring)
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		ring.Write(100)
		f.Update(ring)
	}
	require.Equal(t, int64(0), f.Normalized())

	var peak int64
	for i := 0; i < shape.History(); i++ {
		ring.Write(1100)
		f.Update(ring)
		if n := f.Normalized(); n > peak {
			peak = n
		}
	}
	// flat top is Length*Rate*step / (2*Length*Rate)
	assert.Equal(t, int64(500), peak)

	for i := 0; i < shape.History(); i++ {
		ring.Write(1100)
		f.Update(ring)
	}
	assert.Equal(t, int64(0), f.Normalized())
}

func TestTrapezoid_Reset(t *testing.T) {
	ring := newRing(t, 16)
	f, err := New(Shape{Rate: 2, Length: 4, Gap: 2}, ring)
	require.NoError(t, err)

	ring.Write(7)
	ring.Write(9)
	f.Update(ring)
	f.Update(ring)
	f.Reset()
	assert.False(t, f.Initialized())
	assert.Equal(t, uint64(0), f.Processed())

	// re-seeded with the last Rate samples
	assert.Equal(t, int64(16), f.Update(ring))
}
