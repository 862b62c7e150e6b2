package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/juju/clock"

	"github.com/spounge-ai/polysecret/internal/adapters/security"
	"github.com/spounge-ai/polysecret/internal/audit"
	infra_config "github.com/spounge-ai/polysecret/internal/infra/config"
	"github.com/spounge-ai/polysecret/internal/infra/persistence"
	"github.com/spounge-ai/polysecret/internal/infra/secrets"
	"github.com/spounge-ai/polysecret/internal/kms"
	"github.com/spounge-ai/polysecret/internal/metrics"
	"github.com/spounge-ai/polysecret/internal/server"
	"github.com/spounge-ai/polysecret/internal/service"
	"github.com/spounge-ai/polysecret/pkg/memory"
	"github.com/spounge-ai/polysecret/pkg/patterns/lifecycle"
)

// Container builds the daemon's components from configuration.
type Container struct {
	cfg    *infra_config.Config
	logger *slog.Logger
	clock  clock.Clock

	awsOnce sync.Once
	awsCfg  aws.Config
	awsErr  error
}

func NewContainer(cfg *infra_config.Config, logger *slog.Logger) *Container {
	return &Container{cfg: cfg, logger: logger, clock: clock.WallClock}
}

// App is the assembled daemon. Resources start in dependency order.
type App struct {
	Manager   *service.Manager
	Audit     *audit.Log
	Metrics   *metrics.Metrics
	Server    *server.Server
	Retention *audit.Retention
	Resources *lifecycle.Group

	engine *security.Engine
}

// Close releases the listeners of a server that never started, destroys key
// material and closes the audit log. Resources must be stopped first.
func (a *App) Close() error {
	serverErr := a.Server.Stop(context.Background())
	a.engine.Destroy()
	return errors.Join(serverErr, a.Audit.Close())
}

func (c *Container) aws(ctx context.Context) (aws.Config, error) {
	c.awsOnce.Do(func() {
		if !c.cfg.AWS.Enabled {
			c.awsErr = errors.New("aws is not enabled")
			return
		}
		c.awsCfg, c.awsErr = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.cfg.AWS.Region))
		if c.awsErr != nil {
			c.awsErr = fmt.Errorf("failed to load aws config: %w", c.awsErr)
		}
	})
	return c.awsCfg, c.awsErr
}

func (c *Container) provideKeySource(ctx context.Context) (kms.Source, error) {
	mk := c.cfg.MasterKey
	switch mk.Source {
	case infra_config.SourceEnv:
		return kms.NewEnvSource(mk.EnvVar), nil
	case infra_config.SourceFile:
		return kms.NewFileSource(mk.File), nil
	case infra_config.SourceSSM:
		awsCfg, err := c.aws(ctx)
		if err != nil {
			return nil, err
		}
		return secrets.NewParameterStore(awsCfg, mk.SSMParameter), nil
	case infra_config.SourceAWSKMS:
		awsCfg, err := c.aws(ctx)
		if err != nil {
			return nil, err
		}
		return kms.NewAWSKMSSource(awsCfg, mk.KMSKeyARN, mk.WrappedKeyFile), nil
	}
	return nil, fmt.Errorf("unknown master key source %q", mk.Source)
}

func (c *Container) provideMasterKey(ctx context.Context) (*kms.MasterKey, error) {
	src, err := c.provideKeySource(ctx)
	if err != nil {
		return nil, err
	}

	mk := c.cfg.MasterKey
	format := kms.KeyFormat(mk.Format)
	if mk.Source == infra_config.SourceAWSKMS {
		format = kms.FormatBinary
	}
	resolver := kms.NewResolver(kms.ResolverConfig{
		Format:         format,
		SaltFile:       mk.SaltFile,
		Argon2:         mk.Argon2,
		AllowEphemeral: mk.AllowEphemeral,
	}, c.logger, src)
	return resolver.Resolve(ctx)
}

func (c *Container) provideArchiver(ctx context.Context) (audit.Archiver, error) {
	archive := c.cfg.Audit.Retention.Archive
	switch archive.Type {
	case infra_config.ArchiveLocal:
		return persistence.NewDirArchiveStorage(archive.Dir, c.logger)
	case infra_config.ArchiveS3:
		awsCfg, err := c.aws(ctx)
		if err != nil {
			return nil, err
		}
		return persistence.NewS3ArchiveStorage(awsCfg, archive.S3Bucket, archive.S3Prefix, c.logger), nil
	}
	return nil, fmt.Errorf("unknown archive type %q", archive.Type)
}

// Build resolves the master key, opens storage and the audit log, and
// assembles the manager with its servers.
func (c *Container) Build(ctx context.Context) (*App, error) {
	master, err := c.provideMasterKey(ctx)
	if err != nil {
		return nil, err
	}
	defer master.Destroy()

	secretsKey, err := master.Subkey(kms.PurposeSecrets)
	if err != nil {
		return nil, err
	}
	engine, err := security.NewEngine(secretsKey)
	memory.SecureZeroBytes(secretsKey)
	if err != nil {
		return nil, err
	}

	var auditKey []byte
	if c.cfg.Audit.HMAC {
		if auditKey, err = master.Subkey(kms.PurposeAudit); err != nil {
			engine.Destroy()
			return nil, err
		}
		defer memory.SecureZeroBytes(auditKey)
	}

	app, err := c.assemble(ctx, engine, auditKey, master.Ephemeral)
	if err != nil {
		engine.Destroy()
		return nil, err
	}
	return app, nil
}

func (c *Container) assemble(ctx context.Context, engine *security.Engine, auditKey []byte, ephemeral bool) (*App, error) {
	repo, err := persistence.NewFileStorage(c.cfg.Storage.Dir, c.logger)
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.Open(c.cfg.Audit.Path, audit.Options{
		HMACKey:      auditKey,
		Clock:        c.clock,
		Logger:       c.logger,
		RetryBackoff: c.cfg.Audit.RetryBackoff,
	})
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	manager, err := service.Open(ctx, service.Config{
		Repository:   repo,
		Cipher:       engine,
		Audit:        auditLog,
		Catalog:      c.cfg.Rotation.Catalog(),
		Clock:        c.clock,
		Logger:       c.logger,
		RetryBackoff: c.cfg.Rotation.RetryBackoff,
		EphemeralKey: ephemeral,
		Observer:     m,

		StatsFlushInterval: c.cfg.Storage.StatsFlushInterval,
	})
	if err != nil {
		auditLog.Close()
		return nil, err
	}
	if err := m.RegisterHealth(manager); err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("failed to register health metrics: %w", err)
	}

	app := &App{
		Manager:   manager,
		Audit:     auditLog,
		Metrics:   m,
		Resources: &lifecycle.Group{},
		engine:    engine,
	}
	app.Resources.Add("manager", manager)

	if c.cfg.Audit.Retention.Enabled {
		archiver, err := c.provideArchiver(ctx)
		if err != nil {
			auditLog.Close()
			return nil, err
		}
		app.Retention, err = audit.NewRetention(auditLog, audit.RetentionConfig{
			Schedule: c.cfg.Audit.Retention.Schedule,
			Keep:     c.cfg.Audit.Retention.Keep,
			Archiver: archiver,
			Clock:    c.clock,
			Logger:   c.logger,
		})
		if err != nil {
			auditLog.Close()
			return nil, err
		}
		app.Resources.Add("audit retention", app.Retention)
	}

	app.Server, err = server.New(server.Config{
		GRPCAddr:        c.cfg.Server.GRPCAddr,
		HTTPAddr:        c.cfg.Server.HTTPAddr,
		Health:          manager,
		Gatherer:        m.Registry(),
		Clock:           c.clock,
		RefreshInterval: c.cfg.Server.HealthRefresh,
		Logger:          c.logger,
	})
	if err != nil {
		auditLog.Close()
		return nil, err
	}
	app.Resources.Add("server", app.Server)
	return app, nil
}
