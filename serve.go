package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/api"
	"taskboard/config"
	"taskboard/domain"
	"taskboard/stream"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and event stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	auth, closeAuth, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}
	defer closeAuth()

	hub := stream.NewHub(cfg.HubBuffer, logger)
	defer hub.Close()

	// With Redis every instance publishes to the channel and relays it back
	// into its own hub, so local sessions see each event exactly once.
	var publishers stream.Fanout
	var deduper api.Deduper
	if b.redis != nil {
		publishers = append(publishers, stream.NewRedisPublisher(b.redis, cfg.EventsChannel))
		go stream.Relay(ctx, logger, b.redis, cfg.EventsChannel, hub)
		deduper = api.NewRedisDeduper(b.redis, cfg.DeduperTTL)
	} else {
		publishers = append(publishers, hub)
		logger.Warn("REDIS_CONNECTION_STRING not set: events stay in this instance and Idempotency-Key is ignored")
	}
	if cfg.EventsQueue != "" {
		qp, err := stream.NewStorageQueuePublisher(cfg.StorageConnectionString, cfg.EventsQueue)
		if err != nil {
			return fmt.Errorf("events queue: %w", err)
		}
		publishers = append(publishers, qp)
	}

	svc := domain.NewTaskService(b.store, publishers, logger, domain.WithTimeout(cfg.OperationTimeout))

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	if cfg.PprofEnabled {
		pprof.Register(e)
	}
	api.Register(e, svc, auth, deduper, hub, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"addr": cfg.ListenAddr(), "store": cfg.StoreBackend}).Info("taskboard listening")
		errCh <- e.Start(cfg.ListenAddr())
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// open streams only end when their subscription closes
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newAuthenticator builds the token verifier: HS256 with AUTH_JWT_SECRET, or
// RS256 against the Auth0 tenant's JWKS.
func newAuthenticator(cfg config.Config) (*api.Auth, func(), error) {
	if cfg.AuthJWTSecret != "" {
		return api.NewSharedSecretAuth([]byte(cfg.AuthJWTSecret)), func() {}, nil
	}
	if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
		return nil, nil, errors.New("missing auth config: set AUTH_JWT_SECRET or AUTH0_DOMAIN and AUTH0_AUDIENCE")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("jwks: %w", err)
	}
	auth := api.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/", cfg.JWKSCacheTTL)
	return auth, jwks.EndBackground, nil
}
