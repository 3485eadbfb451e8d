package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/postalsys/proxyhost/httpproxy"
	"github.com/postalsys/proxyhost/internal/proxyauth"
	"github.com/postalsys/proxyhost/internal/proxyconfig"
	"github.com/postalsys/proxyhost/internal/proxylog"
	"github.com/postalsys/proxyhost/internal/proxymetrics"
	"github.com/postalsys/proxyhost/internal/proxyrecover"
	"github.com/postalsys/proxyhost/internal/wstransport"
	"github.com/postalsys/proxyhost/proxyerr"
	"github.com/postalsys/proxyhost/socks5"
	"github.com/postalsys/proxyhost/splice"
)

func runCmd() *cobra.Command {
	var configPath string
	var rateLimit int64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy server",
		Long:  "Start the SOCKS5 and/or HTTP proxy listeners configured in the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := proxyconfig.Load(configPath)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					cfg = proxyconfig.Default()
				} else {
					return fmt.Errorf("failed to load config: %w", err)
				}
			}

			logger := proxylog.NewLogger(cfg.Log.Level, cfg.Log.Format)
			metrics := proxymetrics.Default()

			var limiter *splice.Limiter
			if rateLimit > 0 {
				limiter = rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit))
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if cfg.Metrics.Enabled {
				go serveMetrics(cfg.Metrics.Address, logger)
			}

			if cfg.SOCKS5.Enabled {
				srv, err := newSOCKS5Server(cfg.SOCKS5, logger, limiter)
				if err != nil {
					return fmt.Errorf("failed to configure socks5 server: %w", err)
				}
				go runSOCKS5(ctx, cfg.SOCKS5, srv, logger, metrics)
				logger.Info("socks5 listener configured", proxylog.KeyComponent, "socks5", "address", cfg.SOCKS5.Address, "transport", cfg.SOCKS5.Transport)
			}

			if cfg.HTTP.Enabled {
				httpCfg := cfg.HTTP.ToHTTPConfig()
				httpCfg.Limiter = limiter
				srv := httpproxy.NewServer(httpCfg)
				go runHTTP(ctx, cfg.HTTP, srv, logger, metrics)
				logger.Info("http listener configured", proxylog.KeyComponent, "http", "address", cfg.HTTP.Address, "transport", cfg.HTTP.Transport)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./proxyhost.yaml", "Path to configuration file")
	cmd.Flags().Int64Var(&rateLimit, "rate-limit", 0, "Byte/sec throughput cap shared by all tunneled traffic (0 disables)")
	return cmd
}

func newSOCKS5Server(cfg proxyconfig.SOCKS5Config, logger *slog.Logger, limiter *splice.Limiter) (*socks5.Server, error) {
	libCfg := cfg.ToSOCKS5Config()
	libCfg.Logger = logger
	libCfg.Limiter = limiter

	if cfg.Auth.Enabled {
		creds := make(proxyauth.HashedCredentials, len(cfg.Auth.Users))
		for _, u := range cfg.Auth.Users {
			creds[u.Username] = u.PasswordHash
		}
		libCfg.Authenticators = []socks5.Authenticator{proxyauth.NewUserPassAuthenticator(creds)}
	}
	return socks5.NewServer(libCfg), nil
}

func runSOCKS5(ctx context.Context, cfg proxyconfig.SOCKS5Config, srv *socks5.Server, logger *slog.Logger, metrics *proxymetrics.Metrics) {
	if cfg.Transport == "ws" {
		runSOCKS5OverWebSocket(ctx, cfg, srv, logger, metrics)
		return
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		logger.Error("socks5 listen failed", "error", err)
		return
	}
	defer ln.Close()
	go closeOnDone(ctx, ln)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("socks5 accept failed", "error", err)
			continue
		}
		go func() {
			defer proxyrecover.WithLog(logger, "socks5-conn")
			serveSOCKS5Conn(ctx, srv, conn, logger, metrics)
		}()
	}
}

func runSOCKS5OverWebSocket(ctx context.Context, cfg proxyconfig.SOCKS5Config, srv *socks5.Server, logger *slog.Logger, metrics *proxymetrics.Metrics) {
	path := cfg.WSPath
	if path == "" {
		path = "/socks5"
	}
	mux := http.NewServeMux()
	mux.Handle(path, wstransport.Handler(func(conn net.Conn) {
		defer proxyrecover.WithLog(logger, "socks5-ws-conn")
		serveSOCKS5Conn(ctx, srv, conn, logger, metrics)
	}))
	httpSrv := &http.Server{Addr: cfg.Address, Handler: mux}
	go closeHTTPOnDone(ctx, httpSrv)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("socks5 websocket listener failed", "error", err)
	}
}

func serveSOCKS5Conn(ctx context.Context, srv *socks5.Server, conn net.Conn, logger *slog.Logger, metrics *proxymetrics.Metrics) {
	defer conn.Close()
	start := time.Now()
	metrics.RecordSession("socks5")
	defer metrics.RecordSessionEnd("socks5")

	in, err := srv.Accept(ctx, conn)
	metrics.HandshakeLatency.WithLabelValues("socks5").Observe(time.Since(start).Seconds())
	if err != nil {
		recordError(metrics, "socks5", err)
		return
	}

	upstream, err := net.DialTimeout("tcp", in.Addr().String(), 10*time.Second)
	if err != nil {
		in.ReplyError(dialErrorKind(err))
		return
	}
	defer upstream.Close()

	fromClient, toClient, err := in.Serve(ctx, upstream)
	metrics.RecordBytes(fromClient, toClient)
	if err != nil {
		logger.Debug("socks5 session ended", "error", err, proxylog.KeyBytesIn, fromClient, proxylog.KeyBytesOut, toClient)
	}
	logger.Info("socks5 session closed",
		proxylog.KeyDestination, in.Addr().String(),
		proxylog.KeyBytesIn, humanize.Bytes(uint64(fromClient)),
		proxylog.KeyBytesOut, humanize.Bytes(uint64(toClient)),
	)
}

func runHTTP(ctx context.Context, cfg proxyconfig.HTTPConfig, srv *httpproxy.Server, logger *slog.Logger, metrics *proxymetrics.Metrics) {
	if cfg.Transport == "ws" {
		runHTTPOverWebSocket(ctx, cfg, srv, logger, metrics)
		return
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		logger.Error("http listen failed", "error", err)
		return
	}
	defer ln.Close()
	go closeOnDone(ctx, ln)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("http accept failed", "error", err)
			continue
		}
		go func() {
			defer proxyrecover.WithLog(logger, "http-conn")
			serveHTTPConn(ctx, srv, conn, logger, metrics)
		}()
	}
}

func runHTTPOverWebSocket(ctx context.Context, cfg proxyconfig.HTTPConfig, srv *httpproxy.Server, logger *slog.Logger, metrics *proxymetrics.Metrics) {
	path := cfg.WSPath
	if path == "" {
		path = "/proxy"
	}
	mux := http.NewServeMux()
	mux.Handle(path, wstransport.Handler(func(conn net.Conn) {
		defer proxyrecover.WithLog(logger, "http-ws-conn")
		serveHTTPConn(ctx, srv, conn, logger, metrics)
	}))
	httpSrv := &http.Server{Addr: cfg.Address, Handler: mux}
	go closeHTTPOnDone(ctx, httpSrv)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http websocket listener failed", "error", err)
	}
}

func serveHTTPConn(ctx context.Context, srv *httpproxy.Server, conn net.Conn, logger *slog.Logger, metrics *proxymetrics.Metrics) {
	defer conn.Close()
	metrics.RecordSession("http")
	defer metrics.RecordSessionEnd("http")

	v, err := srv.Accept(ctx, conn)
	if err != nil {
		recordError(metrics, "http", err)
		return
	}

	switch in := v.(type) {
	case *httpproxy.ConnectInterrupted:
		upstream, err := net.DialTimeout("tcp", in.Addr().String(), 10*time.Second)
		if err != nil {
			in.ReplyError(dialErrorKind(err))
			return
		}
		defer upstream.Close()
		fromClient, toClient, _ := in.Serve(ctx, upstream)
		metrics.RecordBytes(fromClient, toClient)
		logger.Info("http connect session closed", proxylog.KeyDestination, in.Addr().String())
	case *httpproxy.RequestInterrupted:
		upstream, err := net.DialTimeout("tcp", in.Addr().String(), 10*time.Second)
		if err != nil {
			in.ReplyError(dialErrorKind(err))
			return
		}
		defer upstream.Close()
		if err := in.Serve(ctx, upstream); err != nil {
			logger.Debug("http forward request failed", "error", err)
		}
		logger.Info("http forward request closed", proxylog.KeyDestination, in.Addr().String())
	}
}

func recordError(metrics *proxymetrics.Metrics, protocol string, err error) {
	if perr, ok := err.(*proxyerr.Error); ok {
		metrics.RecordConnectError(protocol, perr.Kind.String())
		return
	}
	metrics.RecordConnectError(protocol, "unknown")
}

func dialErrorKind(err error) proxyerr.Kind {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return proxyerr.TtlExpired
	}
	return proxyerr.HostUnreachable
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listener configured", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", "error", err)
	}
}

func closeOnDone(ctx context.Context, ln net.Listener) {
	<-ctx.Done()
	ln.Close()
}

func closeHTTPOnDone(ctx context.Context, srv *http.Server) {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
