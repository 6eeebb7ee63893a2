package mock_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memvault/pkg/adapter/mock"
)

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestVectorIsDeterministicUnitLength(t *testing.T) {
	a := mock.Vector("The sky is blue", 64)
	b := mock.Vector("the SKY is blue!", 64)
	gt.Equal(t, a, b)
	gt.True(t, math.Abs(dot(a, a)-1) < 1e-5)

	empty := mock.Vector("!!!", 64)
	gt.True(t, math.Abs(dot(empty, empty)-1) < 1e-5)
}

func TestVectorSharedWordsAreCloser(t *testing.T) {
	q := mock.Vector("sky color", 256)
	sky := mock.Vector("the sky is blue", 256)
	grass := mock.Vector("grass grows in spring", 256)
	gt.True(t, dot(q, sky) > dot(q, grass))
}

func TestEmbedCountsAndHook(t *testing.T) {
	boom := errors.New("boom")
	fail := true
	e := mock.New(mock.WithDimensions(8), mock.WithHook(func(ctx context.Context, texts []string) error {
		if fail {
			return boom
		}
		return nil
	}))
	ctx := context.Background()

	_, err := e.Embed(ctx, []string{"a", "b"})
	gt.True(t, errors.Is(err, boom))

	fail = false
	vectors, err := e.Embed(ctx, []string{"a", "b", "c"})
	gt.NoError(t, err)
	gt.A(t, vectors).Length(3)
	gt.A(t, vectors[0]).Length(8)

	gt.Equal(t, e.Calls(), int64(2))
	gt.Equal(t, e.Texts(), int64(5))
	gt.Equal(t, e.MaxBatch(), int64(3))

	e.SetDimensions(4)
	vectors, err = e.Embed(ctx, []string{"a"})
	gt.NoError(t, err)
	gt.A(t, vectors[0]).Length(4)
}
