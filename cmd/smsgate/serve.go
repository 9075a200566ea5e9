package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/deepclaw/smsgate/internal/agent"
	"github.com/deepclaw/smsgate/internal/config"
	"github.com/deepclaw/smsgate/internal/handlers"
	"github.com/deepclaw/smsgate/internal/logger"
	"github.com/deepclaw/smsgate/internal/pairing"
	"github.com/deepclaw/smsgate/internal/server"
	"github.com/deepclaw/smsgate/internal/sms"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func runServe() {
	fx.New(
		fx.Provide(
			loadConfig,
			provideLogger,
			providePairingStore,
			sms.NewPathRegistry,
			sms.NewStatusBoard,
			sms.NewAccountResolver,
			provideMediaFetcher,
			provideSender,
			provideDispatcher,
			provideRouteResolver,
			provideSessionLog,
			provideCommandAuthorizer,
			provideProcessor,
			provideGateway,
			handlers.NewPingHandler,
			handlers.NewStatusHandler,
			provideServer,
		),
		fx.Invoke(
			startPairingJanitor,
			startGateway,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func providePairingStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*pairing.Store, error) {
	store, err := pairing.Open(log, cfg.Pairing.DBPath, time.Duration(cfg.Pairing.CodeTTLMins)*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("open pairing store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
	return store, nil
}

func provideMediaFetcher(log *slog.Logger, cfg config.Config) *sms.MediaFetcher {
	return sms.NewMediaFetcher(log, nil, cfg.Media.Dir)
}

func provideSender(log *slog.Logger) *sms.Sender {
	return sms.NewSender(log, nil)
}

func provideDispatcher(log *slog.Logger, cfg config.Config) sms.ReplyDispatcher {
	return agent.NewHTTPDispatcher(log, cfg.Agent.Endpoint, nil)
}

func provideRouteResolver(cfg config.Config) sms.RouteResolver {
	return agent.NewStaticRouteResolver(cfg.Agent.AgentID)
}

func provideSessionLog() sms.SessionRecorder {
	return agent.NewSessionLog()
}

func provideCommandAuthorizer() sms.CommandAuthorizer {
	return agent.AllowListAuthorizer{}
}

func provideProcessor(
	log *slog.Logger,
	cfg config.Config,
	registry *sms.PathRegistry,
	store *pairing.Store,
	routes sms.RouteResolver,
	sessions sms.SessionRecorder,
	dispatcher sms.ReplyDispatcher,
	commands sms.CommandAuthorizer,
	fetcher *sms.MediaFetcher,
	sender *sms.Sender,
) *sms.Processor {
	p := sms.NewProcessor(log, registry, store, routes, sessions, dispatcher, commands, fetcher, sender)
	p.SetBodyLimit(cfg.Server.BodyLimitBytes)
	p.SetPublicBaseURL(cfg.Server.PublicBaseURL)
	return p
}

func provideGateway(log *slog.Logger, cfg config.Config, resolver *sms.AccountResolver, registry *sms.PathRegistry, board *sms.StatusBoard) *sms.Gateway {
	return sms.NewGateway(log, cfg, resolver, registry, board.Sink())
}

func provideServer(cfg config.Config, pingHandler *handlers.PingHandler, statusHandler *handlers.StatusHandler, processor *sms.Processor) *server.Server {
	return server.NewServer(cfg.Server.Addr, pingHandler, statusHandler, processor)
}

func startGateway(lc fx.Lifecycle, gateway *sms.Gateway) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return gateway.Start(ctx) },
		OnStop:  func(ctx context.Context) error { gateway.Stop(); return nil },
	})
}

// startPairingJanitor sweeps expired pairing codes and lapsed approvals.
func startPairingJanitor(lc fx.Lifecycle, log *slog.Logger, store *pairing.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(time.Hour)
				defer ticker.Stop()
				for {
					if err := store.CleanExpired(ctx); err != nil {
						log.Warn("pairing cleanup failed", slog.Any("error", err))
					}
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error { cancel(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, processor *sms.Processor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			// Let in-flight background message tasks finish.
			processor.Wait()
			return nil
		},
	})
}
