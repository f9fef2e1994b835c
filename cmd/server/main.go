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

	"golang.org/x/sync/errgroup"

	"rada-service/internal/factory"
	"rada-service/internal/handler"
	"rada-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize factory: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	f.StartBackground(ctx)

	servers := buildServers(f, setupRouter(f))
	if err := run(ctx, servers); err != nil {
		util.Error("Server exited with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
	util.Info("Server stopped")
}

// setupRouter wires the HTTP handlers to the services built by the factory.
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	services := f.ServiceFactory()
	logger := util.Get()

	return handler.NewRouter(handler.Routes{
		Webhooks: handler.NewWebhookHandler(services.SettlementService(), f.SignatureVerifier(), logger),
		Telegram: handler.NewTelegramHandler(services.ConversationService(), f.TelegramClient(), cfg.Telegram.WebhookSecret, logger),
		Rates:    handler.NewRateHandler(f.Oracle()),
		Health:   f,
	}, cfg.Server.CORSOrigins, logger)
}

type server struct {
	srv *http.Server
	tls bool
}

// buildServers returns the API server, plus a port 80 server answering ACME
// challenges when certificates come from autocert.
func buildServers(f *factory.Factory, router http.Handler) []server {
	cfg := f.Config()

	api := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		return []server{{srv: api}}
	}

	tlsManager := f.TLSManager()
	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	api.TLSConfig = tlsManager.GetTLSConfig()
	servers := []server{{srv: api, tls: true}}

	if cfg.Server.AutoCert {
		servers = append(servers, server{srv: &http.Server{
			Addr:              ":80",
			Handler:           tlsManager.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}})
	}

	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.Int("port", cfg.Server.TLSPort),
		util.Bool("auto_cert", cfg.Server.AutoCert),
		util.String("domain", cfg.Server.Domain),
	)
	return servers
}

// run serves until ctx is cancelled or a server fails, then shuts all of
// them down.
func run(ctx context.Context, servers []server) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range servers {
		s := s
		g.Go(func() error {
			util.Info("Listening", util.String("address", s.srv.Addr), util.Bool("tls", s.tls))
			var err error
			if s.tls {
				err = s.srv.ListenAndServeTLS("", "")
			} else {
				err = s.srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("%s: %w", s.srv.Addr, err)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, s := range servers {
			if err := s.srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", s.srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
