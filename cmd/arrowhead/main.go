// Command arrowhead builds, queries and remotely builds native vector
// indexes stored as objects on local disk, S3 or MinIO.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/23skdu/arrowhead/internal/core"
	"github.com/23skdu/arrowhead/internal/health"
	"github.com/23skdu/arrowhead/internal/indexio"
	"github.com/23skdu/arrowhead/internal/logging"
	"github.com/23skdu/arrowhead/internal/memory"
	"github.com/23skdu/arrowhead/internal/native"
	"github.com/23skdu/arrowhead/internal/remote"
	"github.com/23skdu/arrowhead/internal/vectors"
)

var version = "dev"

const usage = `usage: arrowhead <command> [flags]

commands:
  build         build an index from a parquet or arrow file and store it
  query         load a stored index and print the k nearest neighbours
  remote-build  submit a build to the build service and wait for it
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := LoadConfig(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewLogger(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Output:    os.Stderr,
		Component: "arrowhead",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hm := health.NewManager(version, logging.WithComponent(logger, "health"))
	stopMetrics := serveMetrics(cfg.MetricsAddr, hm, logger)
	defer stopMetrics()

	switch os.Args[1] {
	case "build":
		err = runBuild(ctx, &cfg, os.Args[2:], logger, hm)
	case "query":
		err = runQuery(ctx, &cfg, os.Args[2:], os.Stdout, logger, hm)
	case "remote-build":
		err = runRemoteBuild(ctx, &cfg, os.Args[2:], logger, hm)
	default:
		fmt.Fprint(os.Stderr, usage)
		stopMetrics()
		os.Exit(2)
	}
	if err != nil {
		logger.Error().Err(err).Str("command", os.Args[1]).Msg("Command failed")
		stopMetrics()
		os.Exit(1)
	}
}

// serveMetrics exposes /metrics and /healthz on addr until the returned
// stop function is called.
func serveMetrics(addr string, hm *health.Manager, logger zerolog.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", hm.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("address", addr).Msg("Starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// readVectors loads a parquet file, or an arrow IPC stream for any other
// extension.
func readVectors(path string) (*memory.VectorBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		st, err := f.Stat()
		if err != nil {
			return nil, err
		}
		return vectors.ReadParquet(f, st.Size())
	default:
		return vectors.ReadIPC(f, vectors.DefaultColumns)
	}
}

func newNativeService(cfg *Config, logger zerolog.Logger) (*native.Service, error) {
	kind, err := core.ParseEngineKind(cfg.Engine)
	if err != nil {
		return nil, err
	}
	engine, err := native.Init(kind)
	if err != nil {
		return nil, err
	}
	return native.NewService(engine, logging.WithComponent(logger, "native")), nil
}

func runBuild(ctx context.Context, cfg *Config, args []string, logger zerolog.Logger, hm *health.Manager) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	input := fs.String("input", "", "Parquet (.parquet) or Arrow IPC file with id and vector columns")
	key := fs.String("key", "", "Object key to write the index to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" || *key == "" {
		return errors.New("build needs -input and -key")
	}

	svc, err := newNativeService(cfg, logger)
	if err != nil {
		return err
	}
	store, err := NewStore(ctx, cfg)
	if err != nil {
		return err
	}
	hm.Register(health.NewStoreChecker(store, 0))
	buf, err := readVectors(*input)
	if err != nil {
		return fmt.Errorf("read %s: %w", *input, err)
	}

	out, err := indexio.NewOutput(ctx, store, *key, PortOptions(cfg)...)
	if err != nil {
		buf.Release()
		return err
	}
	if err := svc.Create(ctx, buf, out, BuildParams(cfg)); err != nil {
		_ = out.Abort(err)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	logger.Info().
		Str("key", *key).
		Str("store", store.Name()).
		Int64("bytes", out.BytesWritten()).
		Msg("Index stored")
	return nil
}

func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	v := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("vector component %q: %w", p, err)
		}
		v = append(v, float32(f))
	}
	return v, nil
}

func runQuery(ctx context.Context, cfg *Config, args []string, stdout io.Writer, logger zerolog.Logger, hm *health.Manager) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	key := fs.String("key", "", "Object key of the index")
	vec := fs.String("vector", "", "Comma separated query vector")
	k := fs.Int("k", 10, "Number of neighbours")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" || *vec == "" {
		return errors.New("query needs -key and -vector")
	}
	query, err := parseVector(*vec)
	if err != nil {
		return err
	}

	svc, err := newNativeService(cfg, logger)
	if err != nil {
		return err
	}
	store, err := NewStore(ctx, cfg)
	if err != nil {
		return err
	}
	hm.Register(health.NewStoreChecker(store, 0))
	res, err := queryStored(ctx, svc, store, *key, query, *k, cfg)
	if err != nil {
		return err
	}
	for _, n := range res {
		fmt.Fprintf(stdout, "%d\t%g\n", n.ID, n.Distance)
	}
	return nil
}

func queryStored(ctx context.Context, svc *native.Service, store indexio.Store, key string, query []float32, k int, cfg *Config) (core.QueryResult, error) {
	in, err := indexio.NewInput(ctx, store, key, PortOptions(cfg)...)
	if err != nil {
		return nil, err
	}
	h, err := svc.Load(ctx, in, BuildParams(cfg))
	cerr := in.Close()
	if err != nil {
		return nil, err
	}
	defer svc.Free(h)
	if cerr != nil {
		return nil, cerr
	}
	return svc.Query(ctx, h, query, k, core.Parameters{core.ParamEfSearch: cfg.EfSearch})
}

func runRemoteBuild(ctx context.Context, cfg *Config, args []string, logger zerolog.Logger, hm *health.Manager) error {
	fs := flag.NewFlagSet("remote-build", flag.ContinueOnError)
	input := fs.String("input", "", "Parquet (.parquet) or Arrow IPC file with id and vector columns")
	key := fs.String("key", "", "Object key to write the index to (default indexes/<job id>.ahix)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return errors.New("remote-build needs -input")
	}

	svc, err := newNativeService(cfg, logger)
	if err != nil {
		return err
	}
	store, err := NewStore(ctx, cfg)
	if err != nil {
		return err
	}
	hm.Register(health.NewStoreChecker(store, 0))
	bs := remote.NewBuildService(svc, store, remote.BuildServiceConfig{
		Workers:      cfg.Workers,
		QueueSize:    cfg.QueueSize,
		PortOptions:  PortOptions(cfg),
		SubmitLimit:  cfg.SubmitLimit,
		MemoryBudget: cfg.BuildMemoryBudget,
	}, logging.WithComponent(logger, "build_service"))
	defer bs.Close()

	buf, err := readVectors(*input)
	if err != nil {
		return fmt.Errorf("read %s: %w", *input, err)
	}
	jobID, err := bs.Submit(ctx, remote.BuildRequest{Vectors: buf, Params: BuildParams(cfg), ObjectKey: *key})
	if err != nil {
		return err
	}

	hm.Register(health.NewQueueChecker("build_queue", func() health.QueueStats {
		st := bs.Stats()
		return health.QueueStats{Queued: st.Queued, Capacity: st.Capacity, Active: st.Running, Closed: st.Closed}
	}))

	status := remote.NewRetryingClient(bs, remote.RetryingClientConfig{}, logging.WithComponent(logger, "status"))
	hm.Register(health.NewBreakerChecker("status_check", status.BreakerState))
	opts := []remote.Option{remote.WithLogger(logging.WithComponent(logger, "waiter"))}
	if cfg.RemoteStrategy == "notify" {
		opts = append(opts, remote.WithNotifier(bs))
	}
	waiter, err := remote.NewWaiter(status, cfg.RemoteTimeout, cfg.RemotePollInterval, opts...)
	if err != nil {
		return err
	}

	state, err := waiter.Await(ctx, jobID)
	if err != nil {
		return err
	}
	st, _ := bs.CheckStatus(ctx, jobID)
	switch state {
	case remote.Succeeded:
		logger.Info().Str("job_id", jobID).Str("key", st.ObjectKey).Msg("Remote build succeeded")
		return nil
	case remote.TimedOut:
		// the waiter leaves the job alone; this command owns it
		_ = bs.Cancel(ctx, jobID)
		return fmt.Errorf("job %s timed out after %s", jobID, cfg.RemoteTimeout)
	default:
		return fmt.Errorf("job %s %s: %s", jobID, state, st.Message)
	}
}
