package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/arrowhead/internal/health"
	"github.com/23skdu/arrowhead/internal/vectors"
)

func checks(t *testing.T) *health.Manager {
	t.Helper()
	return health.NewManager("test", zerolog.Nop())
}

func writeDataset(t *testing.T, dir string) string {
	t.Helper()
	ids := make([]int64, 64)
	vecs := make([][]float32, len(ids))
	for i := range ids {
		ids[i] = int64(1000 + i)
		vecs[i] = []float32{float32(i), float32(2 * i), 0.5}
	}
	var buf bytes.Buffer
	require.NoError(t, vectors.WriteParquet(&buf, ids, vecs))
	path := filepath.Join(dir, "data.parquet")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func testConfig(t *testing.T, engine string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Engine = engine
	cfg.DataPath = filepath.Join(t.TempDir(), "store")
	cfg.RemotePollInterval = 10 * time.Millisecond
	cfg.RemoteTimeout = 30 * time.Second
	require.NoError(t, ValidateConfig(&cfg))
	return cfg
}

func TestBuildThenQuery(t *testing.T) {
	for _, engine := range []string{"flat", "hnsw"} {
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, engine)
			input := writeDataset(t, t.TempDir())

			require.NoError(t, runBuild(ctx, &cfg, []string{"-input", input, "-key", "idx/data.ahix"}, zerolog.Nop(), checks(t)))

			var out bytes.Buffer
			require.NoError(t, runQuery(ctx, &cfg, []string{"-key", "idx/data.ahix", "-vector", "5, 10, 0.5", "-k", "3"}, &out, zerolog.Nop(), checks(t)))
			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			require.Len(t, lines, 3)
			assert.True(t, strings.HasPrefix(lines[0], "1005\t0"), lines[0])
		})
	}
}

func TestRunQuery_MissingIndex(t *testing.T) {
	cfg := testConfig(t, "flat")
	var out bytes.Buffer
	err := runQuery(context.Background(), &cfg, []string{"-key", "idx/none.ahix", "-vector", "1,2,3"}, &out, zerolog.Nop(), checks(t))
	assert.Error(t, err)
}

func TestRunBuild_Flags(t *testing.T) {
	cfg := testConfig(t, "flat")
	assert.Error(t, runBuild(context.Background(), &cfg, nil, zerolog.Nop(), checks(t)))
	assert.Error(t, runBuild(context.Background(), &cfg, []string{"-input", "nope.parquet", "-key", "k"}, zerolog.Nop(), checks(t)))
}

func TestRemoteBuild(t *testing.T) {
	for _, strategy := range []string{"poll", "notify"} {
		t.Run(strategy, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, "flat")
			cfg.RemoteStrategy = strategy
			input := writeDataset(t, t.TempDir())

			require.NoError(t, runRemoteBuild(ctx, &cfg, []string{"-input", input, "-key", "idx/remote.ahix"}, zerolog.Nop(), checks(t)))

			var out bytes.Buffer
			require.NoError(t, runQuery(ctx, &cfg, []string{"-key", "idx/remote.ahix", "-vector", "0,0,0.5", "-k", "1"}, &out, zerolog.Nop(), checks(t)))
			assert.True(t, strings.HasPrefix(out.String(), "1000\t"), out.String())
		})
	}
}

func TestRemoteBuild_RegistersHealthChecks(t *testing.T) {
	cfg := testConfig(t, "flat")
	hm := checks(t)
	input := writeDataset(t, t.TempDir())
	require.NoError(t, runRemoteBuild(context.Background(), &cfg, []string{"-input", input}, zerolog.Nop(), hm))

	report := hm.Check(context.Background())
	assert.Contains(t, report.Components, "store")
	assert.Contains(t, report.Components, "status_check")
	require.Contains(t, report.Components, "build_queue")
	assert.Equal(t, health.StatusUnhealthy, report.Components["build_queue"].Status, "service is closed once the command returns")
	assert.Equal(t, health.StatusHealthy, report.Components["store"].Status)
}

func TestParseVector(t *testing.T) {
	v, err := parseVector("1, -2.5,3e2")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2.5, 300}, v)

	_, err = parseVector("1,,2")
	assert.Error(t, err)
}
