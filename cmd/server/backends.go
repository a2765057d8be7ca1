package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studio/internal/adapters/jobqueue"
	"github.com/dkeye/studio/internal/adapters/secrets"
	"github.com/dkeye/studio/internal/adapters/sessionstore"
	"github.com/dkeye/studio/internal/adapters/storage"
	"github.com/dkeye/studio/internal/config"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

type backends struct {
	objects  core.ObjectStore
	sessions core.SessionRepository
	jobs     *jobqueue.Store
	closers  []io.Closer
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			log.Warn().Err(err).Str("module", "cmd.server").Msg("close backend")
		}
	}
}

// openBackends opens the object store, session repository and job queue
// named by cfg and resolves the cookie secret.
func openBackends(ctx context.Context, cfg *config.Config) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	var awsCfg aws.Config
	if cfg.UsesAWS() {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
	}

	var src secrets.Source
	if cfg.SecretParam != "" {
		src, err = secrets.NewSSM(ssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
	}
	secret, err := secrets.Resolve(ctx, src, cfg.Secret, cfg.SecretParam)
	if err != nil {
		if !errors.Is(err, domain.ErrValidation) || cfg.Mode == "release" {
			return nil, fmt.Errorf("resolve cookie secret: %w", err)
		}
		secret = "studio-insecure-dev-secret"
		log.Warn().Str("module", "cmd.server").Msg("no cookie secret configured, using development default")
	}
	cfg.Secret = secret

	switch cfg.Storage.Backend {
	case "s3":
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Storage.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
				o.UsePathStyle = true
			}
		})
		if b.objects, err = storage.NewS3(client, cfg.Storage.Bucket); err != nil {
			return nil, err
		}
	default:
		bs, err := storage.OpenBadger(cfg.Storage.BadgerDir)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		b.objects = bs
		b.closers = append(b.closers, bs)
	}

	switch cfg.Sessions.Backend {
	case "dynamodb":
		if b.sessions, err = sessionstore.NewDynamo(dynamodb.NewFromConfig(awsCfg), cfg.Sessions.Table); err != nil {
			return nil, err
		}
	default:
		ss, err := sessionstore.OpenSQLite(cfg.Sessions.Path)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		b.sessions = ss
		b.closers = append(b.closers, ss)
	}

	jobs, err := jobqueue.Open(cfg.Queue.Path, cfg.Queue.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("open job queue: %w", err)
	}
	b.jobs = jobs
	b.closers = append(b.closers, jobs)

	log.Info().Str("module", "cmd.server").Str("objects", cfg.Storage.Backend).
		Str("sessions", cfg.Sessions.Backend).Str("queue", jobs.Path()).Msg("backends ready")
	return b, nil
}
