package native

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/arrowhead/internal/core"
	arrowerrors "github.com/23skdu/arrowhead/internal/errors"
	"github.com/23skdu/arrowhead/internal/indexio"
	"github.com/23skdu/arrowhead/internal/memory"
	"github.com/23skdu/arrowhead/internal/metrics"
)

func newService(t *testing.T, kind core.EngineKind) *Service {
	t.Helper()
	e, err := Init(kind)
	require.NoError(t, err)
	return NewService(e, zerolog.Nop())
}

func randomVectors(rng *rand.Rand, n, dim int) ([]int64, [][]float32) {
	ids := make([]int64, n)
	vecs := make([][]float32, n)
	for i := range vecs {
		ids[i] = int64(i*7 + 3)
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		vecs[i] = v
	}
	return ids, vecs
}

func serialize(ctx context.Context, svc *Service, buf *memory.VectorBuffer, params core.Parameters) ([]byte, error) {
	var sink bytes.Buffer
	w, err := indexio.NewWriter(ctx, &sink)
	if err != nil {
		buf.Release()
		return nil, err
	}
	if err := svc.Create(ctx, buf, w, params); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return sink.Bytes(), nil
}

func load(ctx context.Context, svc *Service, data []byte, params core.Parameters) (*Handle, error) {
	r, err := indexio.NewReader(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return svc.Load(ctx, r, params)
}

func buildAndLoad(t *testing.T, svc *Service, ids []int64, vecs [][]float32, params core.Parameters) *Handle {
	t.Helper()
	ctx := context.Background()
	buf, err := memory.FromFloat32s(ids, vecs)
	require.NoError(t, err)
	data, err := serialize(ctx, svc, buf, params)
	require.NoError(t, err)
	h, err := load(ctx, svc, data, params)
	require.NoError(t, err)
	return h
}

func TestService_FreeTwiceRejected(t *testing.T) {
	svc := newService(t, core.EngineFlat)
	regionsBefore := testutil.ToFloat64(metrics.NativeRegionsActive)

	ids, vecs := randomVectors(rand.New(rand.NewSource(1)), 10, 4)
	h := buildAndLoad(t, svc, ids, vecs, nil)
	assert.Equal(t, 1, svc.LiveHandles())
	assert.Equal(t, regionsBefore+1, testutil.ToFloat64(metrics.NativeRegionsActive))

	require.NoError(t, svc.Free(h))
	assert.True(t, h.Freed())
	assert.Equal(t, 0, svc.LiveHandles())
	assert.Equal(t, regionsBefore, testutil.ToFloat64(metrics.NativeRegionsActive))

	err := svc.Free(h)
	assert.ErrorIs(t, err, ErrHandleFreed)
	assert.ErrorIs(t, err, arrowerrors.ErrQuery)
	assert.Equal(t, regionsBefore, testutil.ToFloat64(metrics.NativeRegionsActive), "nothing released twice")

	_, err = svc.Query(context.Background(), h, vecs[0], 1, nil)
	assert.ErrorIs(t, err, ErrHandleFreed)

	assert.ErrorIs(t, svc.Free(nil), arrowerrors.ErrQuery)
}

func TestService_ForeignHandleRejected(t *testing.T) {
	a := newService(t, core.EngineFlat)
	b := newService(t, core.EngineFlat)

	ids, vecs := randomVectors(rand.New(rand.NewSource(2)), 5, 4)
	h := buildAndLoad(t, a, ids, vecs, nil)
	defer a.Free(h)

	_, err := b.Query(context.Background(), h, vecs[0], 1, nil)
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.ErrorIs(t, b.Free(h), ErrUnknownHandle)
	assert.False(t, h.Freed())
}

type failingOutput struct{ err error }

func (f *failingOutput) Write([]byte) (int, error) { return 0, f.err }
func (f *failingOutput) Flush() error              { return f.err }
func (f *failingOutput) Sum64() uint64             { return 0 }

func TestService_CreateReleasesBufferExactlyOnce(t *testing.T) {
	ctx := context.Background()
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	tests := []struct {
		name    string
		kind    core.EngineKind
		ids     []int64
		ctx     context.Context
		out     indexio.Output
		params  core.Parameters
		wantErr bool
	}{
		{name: "success flat", kind: core.EngineFlat, ids: []int64{1, 2, 3}},
		{name: "success hnsw", kind: core.EngineHNSW, ids: []int64{1, 2, 3}},
		{name: "nil output", kind: core.EngineFlat, ids: []int64{1, 2}, out: nil, wantErr: true},
		{name: "write failure", kind: core.EngineFlat, ids: []int64{1, 2}, out: &failingOutput{err: errors.New("disk full")}, wantErr: true},
		{name: "duplicate ids", kind: core.EngineFlat, ids: []int64{4, 4}, wantErr: true},
		{name: "bad space", kind: core.EngineFlat, ids: []int64{1}, params: core.Parameters{core.ParamSpaceType: "hamming"}, wantErr: true},
		{name: "data type mismatch", kind: core.EngineFlat, ids: []int64{1}, params: core.Parameters{core.ParamDataType: "byte"}, wantErr: true},
		{name: "bad m", kind: core.EngineHNSW, ids: []int64{1}, params: core.Parameters{core.ParamM: "lots"}, wantErr: true},
		{name: "cancelled", kind: core.EngineFlat, ids: []int64{1}, ctx: cancelled, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(t, tt.kind)
			vecs := make([][]float32, len(tt.ids))
			for i := range vecs {
				vecs[i] = []float32{float32(i), 1, 2, 3}
			}
			buf, err := memory.FromFloat32s(tt.ids, vecs)
			require.NoError(t, err)
			hooks := 0
			buf.OnRelease(func() { hooks++ })

			var out indexio.Output = tt.out
			if tt.out == nil && tt.name != "nil output" {
				w, err := indexio.NewWriter(ctx, &bytes.Buffer{})
				require.NoError(t, err)
				out = w
			}
			runCtx := tt.ctx
			if runCtx == nil {
				runCtx = ctx
			}

			err = svc.Create(runCtx, buf, out, tt.params)
			if tt.wantErr {
				assert.ErrorIs(t, err, arrowerrors.ErrIndexBuild)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, int32(1), buf.Releases(), "released exactly once")
			assert.Equal(t, 1, hooks)
			assert.True(t, buf.Released())
		})
	}
}

func TestService_CreateRejectsReleasedBuffer(t *testing.T) {
	svc := newService(t, core.EngineFlat)
	buf, err := memory.FromFloat32s([]int64{1}, [][]float32{{1, 2}})
	require.NoError(t, err)
	buf.Release()

	w, err := indexio.NewWriter(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	err = svc.Create(context.Background(), buf, w, nil)
	assert.ErrorIs(t, err, memory.ErrReleased)
	assert.ErrorIs(t, svc.Create(context.Background(), nil, w, nil), arrowerrors.ErrIndexBuild)
}

func TestService_QueryValidatesBeforeSearching(t *testing.T) {
	svc := newService(t, core.EngineFlat)
	ids, vecs := randomVectors(rand.New(rand.NewSource(3)), 20, 8)
	h := buildAndLoad(t, svc, ids, vecs, nil)
	defer svc.Free(h)

	li, ok := svc.handles.get(h.Pointer())
	require.True(t, ok)

	_, err := svc.Query(context.Background(), h, make([]float32, 7), 3, nil)
	var se *arrowerrors.StructuredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, arrowerrors.ErrorTypeQuery, se.Type)
	assert.Contains(t, se.Message, "dimension 7")

	_, err = svc.Query(context.Background(), h, vecs[0], 0, nil)
	assert.ErrorIs(t, err, arrowerrors.ErrQuery)
	_, err = svc.Query(context.Background(), h, vecs[0], 3, core.Parameters{core.ParamEfSearch: "wide"})
	assert.ErrorIs(t, err, arrowerrors.ErrQuery)

	nonFinite := append([]float32(nil), vecs[0]...)
	for _, bad := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		nonFinite[2] = bad
		_, err = svc.Query(context.Background(), h, nonFinite, 3, nil)
		require.ErrorAs(t, err, &se)
		assert.Contains(t, se.Message, "component 2")
	}

	assert.Equal(t, int64(0), li.searches.Load(), "no search ran")

	res, err := svc.Query(context.Background(), h, vecs[0], 3, nil)
	require.NoError(t, err)
	assert.Len(t, res, 3)
	assert.Equal(t, int64(1), li.searches.Load())
}

func TestService_OverflowingScoresRankLast(t *testing.T) {
	svc := newService(t, core.EngineFlat)
	ids := []int64{1, 2, 3}
	vecs := [][]float32{{1, 1}, {1e20, -1e20}, {2, 2}}
	h := buildAndLoad(t, svc, ids, vecs, core.Parameters{core.ParamSpaceType: "innerproduct"})
	defer svc.Free(h)

	// +Inf and -Inf products sum to NaN for id 2
	query := []float32{1e20, 1e20}
	res, err := svc.Query(context.Background(), h, query, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, res.IDs())

	res, err = svc.Query(context.Background(), h, query, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 2}, res.IDs())
	assert.True(t, math.IsInf(float64(res[2].Distance), 1))
	assertSorted(t, res)
}

func TestService_LoadFailuresReleaseEverything(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, core.EngineFlat)
	ids, vecs := randomVectors(rand.New(rand.NewSource(4)), 50, 16)
	buf, err := memory.FromFloat32s(ids, vecs)
	require.NoError(t, err)
	data, err := serialize(ctx, svc, buf, nil)
	require.NoError(t, err)

	regionsBefore := testutil.ToFloat64(metrics.NativeRegionsActive)

	// data[0] is the stream codec marker; the index header follows
	corrupt := func(off int) []byte {
		c := bytes.Clone(data)
		c[off] ^= 0xff
		return c
	}

	patch := func(fields map[int]uint64) []byte {
		c := bytes.Clone(data)
		for off, v := range fields {
			if off == 12 {
				binary.LittleEndian.PutUint32(c[1+off:], uint32(v))
				continue
			}
			binary.LittleEndian.PutUint64(c[1+off:], v)
		}
		return c
	}
	const hugeCount = 1 << 31

	cases := map[string][]byte{
		"huge declared count": patch(map[int]uint64{16: hugeCount, 24: hugeCount * (8 + 16*4)}),
		"huge dimension":      patch(map[int]uint64{12: 1 << 30, 24: 50 * (8 + 4<<30)}),
		"bad magic":           corrupt(1),
		"bad version":         corrupt(1 + 4),
		"flipped byte":        corrupt(len(data) - 100),
		"bad footer":          corrupt(len(data) - 1),
		"truncated":           data[:len(data)-20],
		"header only":         data[:1+headerSize],
		"short header":        data[:10],
		"payload count":       corrupt(1 + 16),
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			h, err := load(ctx, svc, blob, nil)
			assert.Nil(t, h)
			assert.ErrorIs(t, err, arrowerrors.ErrIndexLoad)
			assert.Equal(t, regionsBefore, testutil.ToFloat64(metrics.NativeRegionsActive))
			assert.Equal(t, 0, svc.LiveHandles())
		})
	}

	_, err = load(ctx, svc, corrupt(len(data)-100), nil)
	assert.ErrorIs(t, err, indexio.ErrChecksumMismatch)

	hnswSvc := newService(t, core.EngineHNSW)
	_, err = load(ctx, hnswSvc, data, nil)
	assert.ErrorIs(t, err, arrowerrors.ErrIndexLoad)
	assert.ErrorIs(t, svc.Create(ctx, nil, nil, nil), arrowerrors.ErrIndexBuild)

	_, err = svc.Load(ctx, nil, nil)
	assert.ErrorIs(t, err, arrowerrors.ErrIndexLoad)
}

func TestService_ResultsOrderedAndExact(t *testing.T) {
	svc := newService(t, core.EngineFlat)
	ids := []int64{10, 20, 30, 40}
	vecs := [][]float32{{0, 0}, {3, 4}, {1, 0}, {1, 0}}
	h := buildAndLoad(t, svc, ids, vecs, nil)
	defer svc.Free(h)

	res, err := svc.Query(context.Background(), h, []float32{0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 30, 40, 20}, res.IDs(), "ties keep discovery order")
	assert.Equal(t, []float32{0, 1, 1, 25}, []float32{res[0].Distance, res[1].Distance, res[2].Distance, res[3].Distance})
}

func TestService_SpaceTypes(t *testing.T) {
	svc := newService(t, core.EngineFlat)
	ids := []int64{1, 2, 3}
	vecs := [][]float32{{1, 0}, {10, 10}, {-1, 0}}

	h := buildAndLoad(t, svc, ids, vecs, core.Parameters{core.ParamSpaceType: "innerproduct"})
	res, err := svc.Query(context.Background(), h, []float32{1, 1}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 3}, res.IDs())
	assert.InDelta(t, -20, res[0].Distance, 1e-6)
	require.NoError(t, svc.Free(h))

	h = buildAndLoad(t, svc, ids, vecs, core.Parameters{core.ParamSpaceType: "cosinesimil"})
	res, err = svc.Query(context.Background(), h, []float32{1, 0}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, res.IDs())
	assert.InDelta(t, 0, res[0].Distance, 1e-6)
	assert.InDelta(t, 2, res[2].Distance, 1e-6)
	require.NoError(t, svc.Free(h))
}

func TestService_ByteAndBinaryVectors(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, core.EngineFlat)

	bytesBuf, err := memory.NewVectorBuffer([]int64{1, 2}, 4, core.DataTypeByte)
	require.NoError(t, err)
	require.NoError(t, bytesBuf.SetRaw(0, []byte{1, 2, 3, 4}))
	require.NoError(t, bytesBuf.SetRaw(1, []byte{0xff, 0xfe, 0, 0})) // -1 -2 0 0
	data, err := serialize(ctx, svc, bytesBuf, nil)
	require.NoError(t, err)
	h, err := load(ctx, svc, data, nil)
	require.NoError(t, err)
	res, err := svc.Query(ctx, h, []float32{-1.2, -2, 0.4, 0}, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, res.IDs())
	assert.Equal(t, float32(0), res[0].Distance)
	require.NoError(t, svc.Free(h))

	binBuf, err := memory.NewVectorBuffer([]int64{7, 8}, 16, core.DataTypeBinary)
	require.NoError(t, err)
	require.NoError(t, binBuf.SetRaw(0, []byte{0xf0, 0x00}))
	require.NoError(t, binBuf.SetRaw(1, []byte{0x0f, 0x01}))
	data, err = serialize(ctx, svc, binBuf, nil)
	require.NoError(t, err)
	h, err = load(ctx, svc, data, nil)
	require.NoError(t, err)
	defer svc.Free(h)

	query := make([]float32, 16)
	query[0], query[1], query[2] = 1, 1, 1 // 0xe0 0x00
	res, err = svc.Query(ctx, h, query, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, res.IDs())
	assert.Equal(t, []float32{1, 8}, []float32{res[0].Distance, res[1].Distance})
}

func TestService_HNSW(t *testing.T) {
	svc := newService(t, core.EngineHNSW)
	ids, vecs := randomVectors(rand.New(rand.NewSource(5)), 200, 16)
	params := core.Parameters{core.ParamM: 16, core.ParamEfConstruction: 200, core.ParamEfSearch: 200}
	h := buildAndLoad(t, svc, ids, vecs, params)
	defer svc.Free(h)

	hits := 0
	for i, v := range vecs {
		res, err := svc.Query(context.Background(), h, v, 5, nil)
		require.NoError(t, err)
		require.LessOrEqual(t, len(res), 5)
		assertSorted(t, res)
		if len(res) > 0 && res[0].ID == ids[i] {
			hits++
		}
	}
	assert.GreaterOrEqual(t, hits, 180, "self recall")

	res, err := svc.Query(context.Background(), h, vecs[3], 5, core.Parameters{core.ParamEfSearch: 50})
	require.NoError(t, err)
	assert.NotEmpty(t, res)

	bin, err := memory.NewVectorBuffer([]int64{1}, 8, core.DataTypeBinary)
	require.NoError(t, err)
	_, err = serialize(context.Background(), svc, bin, nil)
	assert.ErrorIs(t, err, arrowerrors.ErrIndexBuild)
	assert.Equal(t, int32(1), bin.Releases())
}

func TestService_RoundTripThroughStore(t *testing.T) {
	ctx := context.Background()
	store := indexio.NewMemStore()
	svc := newService(t, core.EngineFlat)
	ids, vecs := randomVectors(rand.New(rand.NewSource(6)), 100, 32)

	buf, err := memory.FromFloat32s(ids, vecs)
	require.NoError(t, err)
	out, err := indexio.NewOutput(ctx, store, "seg/0.idx", indexio.WithCompression(indexio.CompressionZstd))
	require.NoError(t, err)
	require.NoError(t, svc.Create(ctx, buf, out, nil))
	require.NoError(t, out.Close())

	in, err := indexio.NewInput(ctx, store, "seg/0.idx")
	require.NoError(t, err)
	h, err := svc.Load(ctx, in, nil)
	require.NoError(t, err)
	require.NoError(t, in.Close())
	defer svc.Free(h)

	for i := range vecs {
		res, err := svc.Query(ctx, h, vecs[i], 1, nil)
		require.NoError(t, err)
		assert.Equal(t, ids[i], res[0].ID)
	}
}

func TestService_ConcurrentQueries(t *testing.T) {
	svc := newService(t, core.EngineFlat)
	ids, vecs := randomVectors(rand.New(rand.NewSource(7)), 500, 32)
	h := buildAndLoad(t, svc, ids, vecs, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := g; i < len(vecs); i += 8 {
				res, err := svc.Query(context.Background(), h, vecs[i], 1, nil)
				if err != nil {
					errs <- err
					return
				}
				if res[0].ID != ids[i] {
					errs <- errors.New("wrong nearest neighbor")
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	require.NoError(t, svc.Free(h))
}

func TestInit_Idempotent(t *testing.T) {
	a, err := Init(core.EngineFlat)
	require.NoError(t, err)
	b, err := Init(core.EngineFlat)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, core.EngineFlat, a.Kind())

	_, err = Init("annoy")
	assert.Error(t, err)
}

func assertSorted(t *testing.T, res core.QueryResult) {
	t.Helper()
	assert.True(t, sort.SliceIsSorted(res, func(i, j int) bool { return res[i].Distance < res[j].Distance }))
}
