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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"carbon/config"
	"carbon/keystore"
	"carbon/logging"
	"carbon/revocation"
	"carbon/transport"
)

const shutdownGrace = 30 * time.Second

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := transport.ServerOptions{Server: cfg.Server}
	if cfg.TLS.KeystorePath != "" {
		store, err := openKeystore(ctx, cfg, log)
		if err != nil {
			return err
		}
		opts.TLS = transport.ServerTLS(store)
	}

	if cfg.Metrics.Address != "" {
		ms := metricsServer(cfg.Metrics.Address, log)
		defer ms.Close()
	}

	srv := transport.NewServer(opts, newSite(cfg, log), log)
	errc := make(chan error, 2)
	go func() { errc <- srv.ListenAndServe() }()
	fmt.Printf("Carbon is running on %s\n", cfg.Server.Address)

	var redirector *transport.Server
	if opts.TLS != nil && cfg.Server.RedirectAddress != "" {
		rcfg := cfg.Server
		rcfg.Address = cfg.Server.RedirectAddress
		rcfg.Compression = transport.CompressionNever
		redirector = transport.NewServer(transport.ServerOptions{Server: rcfg}, newHTTPSRedirect(cfg.Server.Address), log.Named("redirect"))
		go func() { errc <- redirector.ListenAndServe() }()
		fmt.Printf("Redirecting plain HTTP on %s to https\n", rcfg.Address)
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down", zap.Duration("grace", shutdownGrace))
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if redirector != nil {
		redirector.Shutdown(sctx)
	}
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// openKeystore loads the server keystore and starts the stapling and
// file watching the config asks for. Both stop with ctx.
func openKeystore(ctx context.Context, cfg *config.Config, log *zap.Logger) (*keystore.Store, error) {
	store, err := keystore.Open(cfg.TLS.KeystorePath, cfg.TLS.KeystorePassword, cfg.TLS.KeystoreType, log)
	if err != nil {
		return nil, err
	}

	if cfg.TLS.OCSPStapling {
		v := revocation.NewVerifier(transport.VerifierConfig(cfg.Revocation), log)
		timeout := cfg.Revocation.ResponderTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		transport.EnableStapling(store, revocation.NewStapleBuilder(v.OCSP(), log), timeout, log)
		// Reload once so the certificate loaded by Open gets its staple.
		if err := store.Reload(); err != nil {
			return nil, err
		}
		go transport.RefreshStaples(ctx, store, cfg.Revocation.CacheDelay(), log)
	}

	if cfg.TLS.WatchKeystore {
		go func() {
			if err := store.Watch(ctx); err != nil {
				logging.ErrorLog(log, err, zap.String("keystore", store.Path()))
			}
		}()
	}
	return store, nil
}

func metricsServer(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	ms := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.ErrorLog(log, err, zap.String("address", addr))
		}
	}()
	log.Info("serving metrics", zap.String("address", addr))
	return ms
}
