package native

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/arrowhead/internal/core"
	arrowerrors "github.com/23skdu/arrowhead/internal/errors"
	"github.com/23skdu/arrowhead/internal/indexio"
	"github.com/23skdu/arrowhead/internal/memory"
	"github.com/23skdu/arrowhead/internal/metrics"
)

// Service is the facade for one engine. All methods are safe for
// concurrent use; Free must still be sequenced after the caller's last
// Query on that handle.
type Service struct {
	engine  *Engine
	logger  zerolog.Logger
	handles *handleTable
}

// NewService binds a service to an initialised engine.
func NewService(engine *Engine, logger zerolog.Logger) *Service {
	return &Service{
		engine:  engine,
		logger:  logger.With().Str("component", "native").Str("engine", string(engine.kind)).Logger(),
		handles: newHandleTable(),
	}
}

// Kind returns the engine this service drives.
func (s *Service) Kind() core.EngineKind { return s.engine.kind }

// LiveHandles returns the number of loaded, not yet freed indexes.
func (s *Service) LiveHandles() int { return s.handles.len() }

func (s *Service) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	kind := string(s.engine.kind)
	metrics.IndexOperationsTotal.WithLabelValues(kind, op, status).Inc()
	metrics.IndexOperationDurationSeconds.WithLabelValues(kind, op).Observe(time.Since(start).Seconds())
}

// resolveSpace reads space_type (and an optional data_type cross-check)
// from params.
func resolveSpace(dt core.DataType, params core.Parameters) (core.SpaceType, error) {
	if want, err := params.String(core.ParamDataType, ""); err != nil {
		return "", err
	} else if want != "" && core.DataType(want) != dt {
		return "", core.NewInvalidArgumentError(core.ParamDataType,
			fmt.Sprintf("parameters say %s, buffer holds %s", want, dt))
	}
	raw, err := params.String(core.ParamSpaceType, string(dt.DefaultSpace()))
	if err != nil {
		return "", err
	}
	space, err := core.ParseSpaceType(raw)
	if err != nil {
		return "", err
	}
	if !validSpace(dt, space) {
		return "", core.NewInvalidArgumentError(core.ParamSpaceType,
			fmt.Sprintf("%s is not valid for %s vectors", space, dt))
	}
	return space, nil
}

func checkUniqueIDs(ids []int64) error {
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return core.NewInvalidArgumentError("ids", fmt.Sprintf("duplicate id %d", id))
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Create builds an index from buf and writes it through out.
//
// Create takes ownership of buf: it is released exactly once before Create
// returns, whether the build succeeds or fails, and the caller must not
// use it afterwards. out is flushed on success; on failure its contents
// are unspecified and the caller should discard them.
func (s *Service) Create(ctx context.Context, buf *memory.VectorBuffer, out indexio.Output, params core.Parameters) (err error) {
	start := time.Now()
	if buf == nil {
		err = arrowerrors.NewBuildError("create", "vector buffer is nil")
		s.observe("create", start, err)
		return err
	}
	defer func() {
		buf.Release()
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.VectorBuffersReleasedTotal.WithLabelValues(outcome).Inc()
		s.observe("create", start, err)
	}()

	if out == nil {
		return arrowerrors.NewBuildError("create", "output port is nil")
	}
	if verr := buf.Validate(); verr != nil {
		return arrowerrors.WrapBuildError(verr, "create", "invalid vector buffer")
	}
	if verr := checkUniqueIDs(buf.IDs()); verr != nil {
		return arrowerrors.WrapBuildError(verr, "create", "invalid vector buffer")
	}
	space, perr := resolveSpace(buf.DataType(), params)
	if perr != nil {
		return arrowerrors.WrapBuildError(perr, "create", "invalid parameters")
	}
	if cerr := ctx.Err(); cerr != nil {
		return arrowerrors.WrapBuildError(cerr, "create", "cancelled")
	}

	hdr := header{
		Engine:    s.engine.kind,
		DataType:  buf.DataType(),
		Space:     space,
		Dimension: buf.Dimension(),
		Count:     buf.Count(),
	}

	var werr error
	switch s.engine.kind {
	case core.EngineFlat:
		hdr.PayloadLen = flatPayloadLen(hdr.Count, hdr.Dimension, hdr.DataType)
		werr = writeEnvelope(out, hdr, func(w io.Writer) error {
			return writeFlat(ctx, w, buf)
		})

	case core.EngineHNSW:
		g, berr := buildHNSW(ctx, buf, space, params)
		if berr != nil {
			return arrowerrors.WrapBuildError(berr, "create", "hnsw build failed")
		}
		exported, eerr := exportHNSW(g)
		if eerr != nil {
			return arrowerrors.WrapBuildError(eerr, "create", "hnsw build failed")
		}
		hdr.PayloadLen = int64(exported.Len())
		werr = writeEnvelope(out, hdr, func(w io.Writer) error {
			_, err := exported.WriteTo(w)
			return err
		})

	case core.EngineFAISS:
		path, berr := buildFAISS(ctx, buf, space, params)
		if berr != nil {
			return arrowerrors.WrapBuildError(berr, "create", "faiss build failed")
		}
		defer os.Remove(path)
		werr = writeFileEnvelope(out, hdr, path)

	default:
		return arrowerrors.WrapBuildError(ErrEngineUnavailable, "create", string(s.engine.kind))
	}
	if werr != nil {
		return arrowerrors.WrapBuildError(werr, "create", "write index").
			WithContext("engine", string(s.engine.kind))
	}

	metrics.IndexVectorsBuiltTotal.WithLabelValues(string(s.engine.kind)).Add(float64(hdr.Count))
	s.logger.Info().
		Int("count", hdr.Count).
		Int("dimension", hdr.Dimension).
		Str("data_type", string(hdr.DataType)).
		Str("space_type", string(space)).
		Dur("elapsed", time.Since(start)).
		Msg("Index created")
	return nil
}

func writeFileEnvelope(out indexio.Output, hdr header, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	hdr.PayloadLen = st.Size()
	return writeEnvelope(out, hdr, func(w io.Writer) error {
		_, err := io.Copy(w, f)
		return err
	})
}

// Load reads a serialized index from in into native memory. On error no
// handle is returned and anything allocated so far has been released.
func (s *Service) Load(ctx context.Context, in indexio.Input, params core.Parameters) (h *Handle, err error) {
	start := time.Now()
	defer func() { s.observe("load", start, err) }()

	if in == nil {
		return nil, arrowerrors.NewLoadError("load", "input port is nil")
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, arrowerrors.WrapLoadError(cerr, "load", "cancelled")
	}
	hdr, herr := readHeader(in)
	if herr != nil {
		return nil, arrowerrors.WrapLoadError(herr, "load", "invalid index header")
	}
	if hdr.Engine != s.engine.kind {
		return nil, arrowerrors.NewLoadError("load",
			fmt.Sprintf("index was built by %s, service runs %s", hdr.Engine, s.engine.kind))
	}

	li := &loadedIndex{hdr: hdr, kind: hdr.Engine}
	var lerr error
	switch hdr.Engine {
	case core.EngineFlat:
		if hdr.PayloadLen != flatPayloadLen(hdr.Count, hdr.Dimension, hdr.DataType) {
			return nil, arrowerrors.NewLoadError("load", "payload length does not match flat layout")
		}
		lerr = readPayload(in, hdr, func(r io.Reader) error {
			f, err := loadFlat(r, hdr)
			li.flat = f
			return err
		})
	case core.EngineHNSW:
		lerr = readPayload(in, hdr, func(r io.Reader) error {
			x, err := loadHNSW(r, hdr, params)
			li.hnsw = x
			return err
		})
	case core.EngineFAISS:
		lerr = readPayload(in, hdr, func(r io.Reader) error {
			x, err := loadFAISS(r, hdr)
			li.faiss = x
			return err
		})
	}
	if lerr != nil {
		// decode may have succeeded before the footer check failed
		if li.flat != nil || li.hnsw != nil || li.faiss != nil {
			_ = li.free()
		}
		return nil, arrowerrors.WrapLoadError(lerr, "load", "read index").
			WithContext("engine", string(hdr.Engine))
	}

	h = s.handles.insert(li)
	metrics.HandlesActive.WithLabelValues(string(hdr.Engine)).Inc()
	s.logger.Info().
		Uint64("handle", uint64(h.slot)).
		Int("count", hdr.Count).
		Int("dimension", hdr.Dimension).
		Dur("elapsed", time.Since(start)).
		Msg("Index loaded")
	return h, nil
}

// Query returns up to k neighbors of vector ordered nearest first. The
// vector carries one value per dimension for every data type: byte indexes
// round it to int8, binary indexes treat non-zero as a set bit.
// Recognised methodParams: ef_search (hnsw).
func (s *Service) Query(ctx context.Context, h *Handle, vector []float32, k int, methodParams core.Parameters) (res core.QueryResult, err error) {
	start := time.Now()
	defer func() { s.observe("query", start, err) }()

	li, err := s.lookup(h, "query")
	if err != nil {
		return nil, err
	}
	li.mu.RLock()
	defer li.mu.RUnlock()
	if h.freed.Load() {
		return nil, arrowerrors.WrapQueryError(ErrHandleFreed, "query", "handle freed")
	}

	if k <= 0 {
		return nil, arrowerrors.NewQueryError("query", fmt.Sprintf("k must be positive, got %d", k))
	}
	if len(vector) != li.hdr.Dimension {
		return nil, arrowerrors.NewQueryError("query",
			fmt.Sprintf("vector has dimension %d, index has %d", len(vector), li.hdr.Dimension))
	}
	for i, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, arrowerrors.NewQueryError("query",
				fmt.Sprintf("vector component %d is not finite", i))
		}
	}
	ef, perr := methodParams.Int(core.ParamEfSearch, 0)
	if perr != nil {
		return nil, arrowerrors.WrapQueryError(perr, "query", "invalid method parameters")
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, arrowerrors.WrapQueryError(cerr, "query", "cancelled")
	}

	li.searches.Add(1)
	var qerr error
	switch li.kind {
	case core.EngineFlat:
		res, qerr = li.flat.search(ctx, vector, k)
	case core.EngineHNSW:
		res, qerr = li.hnsw.search(vector, k, ef)
	case core.EngineFAISS:
		res, qerr = li.faiss.search(vector, k)
	}
	if qerr != nil {
		return nil, arrowerrors.WrapQueryError(qerr, "query", "search failed")
	}
	return res, nil
}

func (s *Service) lookup(h *Handle, op string) (*loadedIndex, error) {
	if h == nil {
		return nil, arrowerrors.NewQueryError(op, "handle is nil")
	}
	if h.freed.Load() {
		return nil, arrowerrors.WrapQueryError(ErrHandleFreed, op, "handle freed")
	}
	li, ok := s.handles.get(h.slot)
	if !ok {
		return nil, arrowerrors.WrapQueryError(ErrUnknownHandle, op, "handle not issued by this service")
	}
	return li, nil
}

// Free releases the native memory behind h. It waits for queries already
// running on h. A second Free reports ErrHandleFreed.
func (s *Service) Free(h *Handle) (err error) {
	start := time.Now()
	defer func() { s.observe("free", start, err) }()

	if _, err := s.lookup(h, "free"); err != nil {
		return err
	}
	if !h.freed.CompareAndSwap(false, true) {
		s.logger.Warn().Uint64("handle", uint64(h.slot)).Msg("Double free rejected")
		return arrowerrors.WrapQueryError(ErrHandleFreed, "free", "handle freed")
	}
	li, ok := s.handles.remove(h.slot)
	if !ok {
		return arrowerrors.WrapQueryError(ErrUnknownHandle, "free", "handle not issued by this service")
	}

	li.mu.Lock()
	ferr := li.free()
	li.mu.Unlock()

	metrics.HandlesActive.WithLabelValues(string(li.kind)).Dec()
	if ferr != nil {
		return arrowerrors.WrapQueryError(ferr, "free", "release native memory")
	}
	s.logger.Debug().Uint64("handle", uint64(h.slot)).Msg("Index freed")
	return nil
}
