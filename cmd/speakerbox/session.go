package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arseneyr/speakerbox/pkg/backend"
	"github.com/arseneyr/speakerbox/pkg/backend/badgerstore"
	"github.com/arseneyr/speakerbox/pkg/backend/httpremote"
	"github.com/arseneyr/speakerbox/pkg/backend/redisremote"
	"github.com/arseneyr/speakerbox/pkg/backend/s3blob"
	"github.com/arseneyr/speakerbox/pkg/config"
	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/arseneyr/speakerbox/pkg/syncmanager"
)

// session is one opened board: the local store, the remote and the manager
// combining them.
type session struct {
	logger  *slog.Logger
	manager *syncmanager.Manager
	closers []func() error
}

type signer interface {
	SignIn(ctx context.Context, user model.UserID) error
}

func openRemote(ctx context.Context, cfg config.Config, logger *slog.Logger) (backend.Remote, signer, func() error, error) {
	switch cfg.Remote.Kind {
	case config.RemoteHTTP:
		r, err := httpremote.New(cfg.Remote.URL, httpremote.Options{Logger: logger})
		if err != nil {
			return nil, nil, nil, err
		}
		return r, r, nil, nil
	case config.RemoteRedis:
		r, err := redisremote.NewFromURL(ctx, cfg.Remote.URL, redisremote.Options{Prefix: cfg.Remote.Prefix, Logger: logger})
		if err != nil {
			return nil, nil, nil, err
		}
		return r, r, r.Close, nil
	default:
		ep := backend.NewHub().Endpoint()
		if cfg.Remote.Kind == config.RemoteNone {
			return ep, nil, nil, nil
		}
		return ep, memorySigner{ep}, nil, nil
	}
}

type memorySigner struct {
	ep *backend.Endpoint
}

func (m memorySigner) SignIn(_ context.Context, user model.UserID) error {
	m.ep.SignIn(user)
	return nil
}

func openSession(ctx context.Context, cfg config.Config, logger *slog.Logger) (*session, error) {
	s := &session{logger: logger}

	localCfg := badgerstore.DefaultConfig()
	if cfg.Local.InMemory {
		localCfg = badgerstore.InMemoryConfig()
	} else {
		localCfg.Path = cfg.Local.Path
	}
	localCfg.Logger = logger.With("component", "badger")
	local, err := badgerstore.Open(localCfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, local.Close)

	remote, signIn, closeRemote, err := openRemote(ctx, cfg, logger.With("component", "remote"))
	if err != nil {
		_ = s.close(ctx)
		return nil, err
	}
	if closeRemote != nil {
		s.closers = append(s.closers, closeRemote)
	}
	if cfg.Blob != nil {
		blobs, err := s3blob.New(ctx, *cfg.Blob)
		if err != nil {
			_ = s.close(ctx)
			return nil, err
		}
		remote = backend.Split(remote, blobs)
	}

	if signIn != nil && cfg.User != "" {
		if err := signIn.SignIn(ctx, model.UserID(cfg.User)); err != nil {
			logger.Warn("working offline", "err", err)
		}
	}

	s.manager = syncmanager.New(local, remote, syncmanager.Options{Logger: logger, Strict: cfg.Strict})
	if err := s.manager.Init(ctx); err != nil {
		_ = s.close(ctx)
		return nil, err
	}
	if remote.SignedIn().Get().IsSignedIn() {
		if err := s.manager.Poll(ctx); err != nil {
			logger.Warn("initial sync failed", "err", err)
		}
	}
	return s, nil
}

// close flushes the manager and releases the stores in reverse order.
func (s *session) close(ctx context.Context) error {
	var errs []error
	if s.manager != nil {
		if err := s.manager.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush: %w", err))
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
