package wiring

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spounge-ai/polysecret/internal/domain"
	app_errors "github.com/spounge-ai/polysecret/internal/errors"
	infra_config "github.com/spounge-ai/polysecret/internal/infra/config"
	"github.com/spounge-ai/polysecret/internal/kms"
	"github.com/spounge-ai/polysecret/internal/service"
)

const keyEnv = "POLYSECRET_TEST_MASTER_KEY"

func testConfig(dir string) *infra_config.Config {
	return &infra_config.Config{
		Storage: infra_config.StorageConfig{Dir: filepath.Join(dir, "secrets")},
		Audit: infra_config.AuditConfig{
			Path: filepath.Join(dir, "audit", "audit.log"),
			HMAC: true,
			Retention: infra_config.RetentionConfig{
				Enabled:  true,
				Schedule: "@daily",
				Keep:     100,
				Archive: infra_config.ArchiveConfig{
					Type: infra_config.ArchiveLocal,
					Dir:  filepath.Join(dir, "archive"),
				},
			},
		},
		MasterKey: infra_config.MasterKeyConfig{
			Source: infra_config.SourceEnv,
			Format: string(kms.FormatEncoded),
			EnvVar: keyEnv,
		},
		Rotation: infra_config.RotationConfig{RetryBackoff: time.Minute},
		Server: infra_config.ServerConfig{
			GRPCAddr:      "127.0.0.1:0",
			HTTPAddr:      "127.0.0.1:0",
			HealthRefresh: time.Minute,
		},
		Log: infra_config.LogConfig{Level: "info", Format: "text"},
	}
}

func build(t *testing.T, cfg *infra_config.Config) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := NewContainer(cfg, logger).Build(context.Background())
	require.NoError(t, err)
	return app
}

func shutdown(t *testing.T, app *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Resources.Stop(ctx))
	require.NoError(t, app.Close())
}

func TestContainer_RoundTripAcrossRestart(t *testing.T) {
	t.Setenv(keyEnv, hex.EncodeToString([]byte(strings.Repeat("k", 32))))
	cfg := testConfig(t.TempDir())
	ctx := context.Background()

	app := build(t, cfg)
	require.NoError(t, app.Resources.Start(ctx))
	assert.True(t, app.Resources.Health(ctx).Ready)
	require.NotNil(t, app.Retention)

	_, err := app.Manager.Store(ctx, "db-primary", []byte("hunter2"), service.StoreOptions{Type: domain.TypeDatabasePassword})
	require.NoError(t, err)
	shutdown(t, app)

	app = build(t, cfg)
	defer shutdown(t, app)
	plaintext, info, err := app.Manager.Get(ctx, "db-primary", service.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), plaintext)
	assert.EqualValues(t, 1, info.Metadata.Version)
	assert.NoError(t, app.Audit.VerifyChain(ctx))
	assert.False(t, app.Manager.GetHealthStatus(ctx).EphemeralKey)
}

func TestContainer_WrongKeyFailsIntegrity(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Audit.HMAC = false
	ctx := context.Background()

	t.Setenv(keyEnv, hex.EncodeToString([]byte(strings.Repeat("a", 32))))
	app := build(t, cfg)
	_, err := app.Manager.Store(ctx, "svc", []byte("value"), service.StoreOptions{Type: domain.TypeAPIKey})
	require.NoError(t, err)
	shutdown(t, app)

	t.Setenv(keyEnv, hex.EncodeToString([]byte(strings.Repeat("b", 32))))
	app = build(t, cfg)
	defer shutdown(t, app)
	_, _, err = app.Manager.Get(ctx, "svc", service.GetOptions{})
	assert.ErrorIs(t, err, app_errors.ErrIntegrity)
}

func TestContainer_EphemeralKey(t *testing.T) {
	t.Setenv(keyEnv, "")
	cfg := testConfig(t.TempDir())
	cfg.Audit.Retention.Enabled = false

	_, err := NewContainer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))).Build(context.Background())
	require.Error(t, err)

	cfg.MasterKey.AllowEphemeral = true
	app := build(t, cfg)
	defer shutdown(t, app)
	assert.Nil(t, app.Retention)
	assert.True(t, app.Manager.GetHealthStatus(context.Background()).EphemeralKey)
}

func TestContainer_AWSSourcesNeedAWS(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.MasterKey.Source = infra_config.SourceSSM
	cfg.MasterKey.SSMParameter = "/polysecret/master"

	_, err := NewContainer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))).Build(context.Background())
	assert.ErrorContains(t, err, "aws is not enabled")
}
