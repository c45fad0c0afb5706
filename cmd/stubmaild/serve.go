package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stubmail/stubmail/config"
	"github.com/stubmail/stubmail/internal/logging"
	"github.com/stubmail/stubmail/internal/metrics"
	"github.com/stubmail/stubmail/pop3"
	"github.com/stubmail/stubmail/smtp"
	"github.com/stubmail/stubmail/store"
)

// protocolServer is the configuration and lifecycle surface shared by
// the POP3 and SMTP servers, as used by the daemon.
type protocolServer interface {
	Start() error
	Stop() error
	Port() int
}

// serve runs the configured servers until SIGINT or SIGTERM.
func serve(cfg config.Config) error {
	logger := logging.NewLogger(cfg.LogLevel)

	st := store.NewMailboxStore()
	for _, u := range cfg.Users {
		st.AddMailbox(u.Username, u.Secret, u.Email)
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector(registry)

		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err.Error())
			}
		}()
		logger.Info("metrics endpoint started",
			"address", cfg.Metrics.Address,
			"path", cfg.Metrics.Path,
		)
	}

	var servers []protocolServer

	if cfg.Pop3.Enabled {
		srv := pop3.NewServer(st)
		if err := configureServer(srv.Core, cfg.Pop3, cfg, logger, collector); err != nil {
			return err
		}
		servers = append(servers, srv)
	}
	if cfg.Smtp.Enabled {
		srv := smtp.NewServer(st)
		if err := configureServer(srv.Core, cfg.Smtp, cfg, logger, collector); err != nil {
			return err
		}
		srv.SetAuthenticationRequired(cfg.Smtp.AuthenticationRequired)
		servers = append(servers, srv)
	}

	for _, srv := range servers {
		if err := srv.Start(); err != nil {
			stopAll(servers, logger)
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	stopAll(servers, logger)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// configurable is the slice of the server core the daemon configures.
type configurable interface {
	SetHostname(hostname string)
	SetPort(port int) error
	SetUseSSL(useSSL bool)
	SetSSLProtocol(sslProtocol string) error
	SetAuthTypes(authTypes ...string) error
	SetLogger(logger *slog.Logger)
	SetMetricsCollector(collector metrics.Collector)
}

func configureServer(core configurable, pc config.ProtocolConfig, cfg config.Config, logger *slog.Logger, collector metrics.Collector) error {
	core.SetHostname(cfg.Hostname)
	if err := core.SetPort(pc.Port); err != nil {
		return err
	}
	core.SetUseSSL(pc.UseSSL)
	if err := core.SetSSLProtocol(cfg.TLS.Protocol); err != nil {
		return err
	}
	if len(pc.AuthTypes) > 0 {
		if err := core.SetAuthTypes(pc.AuthTypes...); err != nil {
			return err
		}
	}
	core.SetLogger(logger)
	core.SetMetricsCollector(collector)
	return nil
}

func stopAll(servers []protocolServer, logger *slog.Logger) {
	for _, srv := range servers {
		if err := srv.Stop(); err != nil {
			logger.Error("server stop failed", "error", err.Error())
		}
	}
}
