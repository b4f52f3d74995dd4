package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%06d", i))
		f.Insert(keys[i])
	}
	for _, k := range keys {
		require.True(t, f.MayContain(k), "inserted key must never be reported absent")
	}
}

func TestFilterFalsePositiveRateBounded(t *testing.T) {
	const n = 10000
	const p = 0.01
	f := New(n, p)
	for i := 0; i < n; i++ {
		f.Insert([]byte(fmt.Sprintf("present-%06d", i)))
	}
	falsePositives := 0
	const sample = 10000
	for i := 0; i < sample; i++ {
		if f.MayContain([]byte(fmt.Sprintf("absent-%06d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(sample)
	require.Lessf(t, rate, 2*p, "measured fpr %f exceeds 2x target %f", rate, p)
}

func TestFilterEncodeDecodeRoundTrip(t *testing.T) {
	f := New(256, 0.01)
	for i := 0; i < 100; i++ {
		f.Insert([]byte(fmt.Sprintf("k%d", i)))
	}
	enc := f.Encode()
	got, err := Decode(enc)
	require.NoError(t, err)
	require.Equal(t, f.M(), got.M())
	require.Equal(t, f.K(), got.K())
	for i := 0; i < 100; i++ {
		require.True(t, got.MayContain([]byte(fmt.Sprintf("k%d", i))))
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	f := New(64, 0.01)
	enc := f.Encode()
	_, err := Decode(enc[:len(enc)-1])
	require.Error(t, err)
}

func TestMergeRequiresMatchingShape(t *testing.T) {
	a := New(100, 0.01)
	b := New(200, 0.01)
	require.ErrorIs(t, a.Merge(b), ErrShapeMismatch)
}

func TestMergeUnionsBits(t *testing.T) {
	a := New(1000, 0.01)
	b := newShaped(a.m, a.k)
	a.Insert([]byte("alpha"))
	b.Insert([]byte("beta"))
	require.NoError(t, a.Merge(b))
	require.True(t, a.MayContain([]byte("alpha")))
	require.True(t, a.MayContain([]byte("beta")))
}

func TestClearResetsBits(t *testing.T) {
	f := New(100, 0.01)
	f.Insert([]byte("x"))
	f.Clear()
	// Clear zeroes every bit, and MayContain needs all k >= 1 probed bits
	// set, so after Clear it reports false for every key, including the
	// one inserted before the clear.
	require.False(t, f.MayContain([]byte("x")))
}

func TestPartitionedNoFalseNegatives(t *testing.T) {
	pf := NewPartitioned(8, 2000, 0.01)
	keys := make([][]byte, 2000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("pkey-%06d", i))
		pf.Insert(keys[i])
	}
	for _, k := range keys {
		require.True(t, pf.MayContain(k))
	}
}

func TestPartitionedEncodeDecode(t *testing.T) {
	pf := NewPartitioned(4, 400, 0.01)
	for i := 0; i < 400; i++ {
		pf.Insert([]byte(fmt.Sprintf("p%d", i)))
	}
	enc := pf.Encode()
	got, err := DecodePartitioned(enc)
	require.NoError(t, err)
	for i := 0; i < 400; i++ {
		require.True(t, got.MayContain([]byte(fmt.Sprintf("p%d", i))))
	}
}

func TestSiphash24Deterministic(t *testing.T) {
	var key [16]byte
	for i := range key {
		key[i] = byte(i)
	}
	h1 := siphash24(key, []byte("hello world, this is a longer message"))
	h2 := siphash24(key, []byte("hello world, this is a longer message"))
	require.Equal(t, h1, h2)

	h3 := siphash24(key, []byte("hello world, this is a longer Message"))
	require.NotEqual(t, h1, h3)
}
