package main

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/go-authgate/storefront-cli/api"
	"github.com/go-authgate/storefront-cli/logging"
	"github.com/go-authgate/storefront-cli/otp"
	"github.com/go-authgate/storefront-cli/session"
)

// app is the wired client core shared by every command.
type app struct {
	cfg     *Config
	log     *logrus.Logger
	session *session.Manager
	client  *api.Client

	closeStore func() error
}

// newApp opens the credential store, loads the stored session, and builds the
// API client on top of it. A store that cannot be read is not fatal.
func newApp(ctx context.Context, cfg *Config, logOut io.Writer) (*app, error) {
	logger := logging.New(cfg.LogLevel, logOut)

	s, closeStore, err := cfg.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	mgr := session.NewManager(s, session.WithLogger(logging.Component(logger, "session")))
	if err := mgr.Initialize(ctx); err != nil {
		if ctx.Err() != nil {
			_ = closeStore()
			return nil, fmt.Errorf("failed to load credentials: %w", err)
		}
		// An unreadable store leaves the session empty. The next save or
		// logout overwrites it.
		logger.WithError(err).Warn("Continuing without a stored session")
	}

	p := api.NewPipeline(
		cfg.baseURLResolver(),
		api.WithAPIRoot(cfg.APIRoot),
		api.WithTokenSource(mgr),
		api.WithPipelineLogger(logging.Component(logger, "api")),
	)
	mgr.Watch(p)

	var doer api.Doer
	if cfg.NoRetry {
		doer = api.NewPlainDoer(api.NewHTTPClient())
	} else {
		doer, err = api.NewRetryDoer(api.NewHTTPClient(), logging.Component(logger, "http"))
		if err != nil {
			_ = closeStore()
			return nil, err
		}
	}

	return &app{
		cfg:     cfg,
		log:     logger,
		session: mgr,
		client:  api.NewClient(p, api.WithDoer(doer), api.WithDefaultTimeout(cfg.Timeout)),

		closeStore: closeStore,
	}, nil
}

// newFlow creates a login flow that commits into the app's session.
func (a *app) newFlow(opts ...otp.Option) *otp.Flow {
	base := []otp.Option{
		otp.WithLogger(logging.Component(a.log, "otp")),
		otp.WithPhoneDigits(a.cfg.PhoneDigits),
		otp.WithDefaultCooldown(a.cfg.ResendCooldown),
	}
	return otp.NewFlow(a.client, a.session, append(base, opts...)...)
}

func (a *app) Close() error {
	_ = a.session.Close()
	return a.closeStore()
}
