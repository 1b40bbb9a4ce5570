package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	utls "github.com/refraction-networking/utls"
	"github.com/spf13/cobra"

	"github.com/relayforge/proxycore/internal/certfactory"
	"github.com/relayforge/proxycore/internal/com"
	"github.com/relayforge/proxycore/internal/config"
	"github.com/relayforge/proxycore/internal/cx"
	"github.com/relayforge/proxycore/internal/logging"
	"github.com/relayforge/proxycore/internal/metrics"
	"github.com/relayforge/proxycore/internal/poller"
	"github.com/relayforge/proxycore/internal/proxy"
	"github.com/relayforge/proxycore/internal/receiver"
)

// dialTimeout bounds the blocking upstream dial OnAcceptSocket performs
// for a freshly accepted connection (spec §4.5 job dispatch hands the
// receiver an already-resolved destination; the proxy core still has
// to do one real connect() per accepted flow).
const dialTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy core against a configuration file",
		Long:  "Load a config.yaml (see the init command) and run the threaded receiver/worker pool until a termination signal arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runProxyCore(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./data/config.yaml", "Path to configuration file")

	return cmd
}

// runProxyCore assembles the receiver/worker pool, the listener set,
// and (if configured) the certificate factory, then blocks until
// ctx is canceled or a termination signal arrives.
func runProxyCore(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
	} else {
		m = metrics.NewMetricsWithRegistry(nil)
	}

	var factory *certfactory.Factory
	if tlsInterceptEnabled(cfg) {
		f, err := buildCertFactory(cfg, logger)
		if err != nil {
			return fmt.Errorf("build certificate factory: %w", err)
		}
		factory = f
	}

	workers := make([]*receiver.Worker, cfg.Workers.PoolSize)
	for i := range workers {
		p, err := proxy.NewMaster(proxy.Config{
			Name:   fmt.Sprintf("worker-%d", i),
			Logger: logger,
			OnBottleneck: func(side com.Side, active bool) {
				m.SetBottleneck(side.String(), active)
			},
		}, poller.Options{
			Backend:        cfg.Poller.Backend,
			RescanInterval: cfg.Poller.RescanInterval,
			IdleTimeout:    cfg.Poller.IdleTimeout,
			MaxEvents:      cfg.Poller.MaxEvents,
		})
		if err != nil {
			return fmt.Errorf("new worker %d: %w", i, err)
		}
		workers[i] = receiver.NewWorker(p, cfg.Workers.QueueDepth)
	}

	recv := receiver.New(receiver.Config{Logger: logger}, workers)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, w := range workers {
		w := w
		hooksFor := func(job receiver.Job) cx.Hooks {
			return cx.Hooks{
				PreRead:        tlsHandshakeHook,
				OnAcceptSocket: onAcceptSocketHook(logger, m, job, w.Proxy),
			}
		}
		go receiver.RunWorker(runCtx, w, 50*time.Millisecond, hooksFor, logger.With(logging.KeyWorker, i))
	}

	var listeners []net.Listener
	for _, lc := range cfg.Listeners {
		if lc.Transport != "" && lc.Transport != "tcp" {
			logger.Warn("run: unsupported listener transport, skipping", logging.KeyAddress, lc.Address, "transport", lc.Transport)
			continue
		}

		ln, err := net.Listen("tcp", lc.Address)
		if err != nil {
			return fmt.Errorf("listen %s: %w", lc.Address, err)
		}
		listeners = append(listeners, ln)

		tcpLn, ok := ln.(*net.TCPListener)
		if !ok {
			return fmt.Errorf("listen %s: not a TCP listener", lc.Address)
		}
		listenCom, err := com.NewTCPListenerCom(tcpLn, lc.Transparent)
		if err != nil {
			return fmt.Errorf("wrap listener %s: %w", lc.Address, err)
		}

		var acceptCom com.Com = listenCom
		if lc.TLSIntercept {
			if factory == nil {
				return fmt.Errorf("listener %s: tls_intercept enabled but TLS is not configured", lc.Name)
			}
			acceptCom = com.NewTLSServerCom(listenCom, &tls.Config{
				GetCertificate:     factory.GetCertificateForClientHello,
				ClientSessionCache: factory.SessionCache(),
				ClientAuth:         tls.NoClientCert,
			})
		}

		logger.Info("run: listening", logging.KeyAddress, lc.Address, "tls_intercept", lc.TLSIntercept, "transparent", lc.Transparent)
		go recv.AcceptLoop(runCtx, com.Sidel, acceptCom)
	}

	var httpSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv = &http.Server{Addr: ":9090", Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("run: metrics server failed", logging.KeyError, err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("run: received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	for _, ln := range listeners {
		ln.Close()
	}
	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}
	for _, w := range workers {
		w.Proxy.Close()
	}

	return nil
}

func tlsInterceptEnabled(cfg *config.Config) bool {
	for _, lc := range cfg.Listeners {
		if lc.TLSIntercept {
			return true
		}
	}
	return false
}

func buildCertFactory(cfg *config.Config, logger *slog.Logger) (*certfactory.Factory, error) {
	caPEM, err := cfg.TLS.GetCAPEM()
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	caKeyPEM, err := cfg.TLS.GetCAKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	return certfactory.New(certfactory.Config{
		Logger:           logger,
		CAPEM:            caPEM,
		CAKeyPEM:         caKeyPEM,
		TrustStoreDir:    cfg.TLS.TrustStoreDir,
		Validity:         cfg.TLS.CertValidity,
		MintCacheSize:    cfg.TLS.MintCacheSize,
		OCSPCacheSize:    cfg.TLS.OCSPCacheSize,
		CRLCacheSize:     cfg.TLS.CRLCacheSize,
		SessionCacheSize: cfg.TLS.SessionCacheSize,
		OCSPCacheTTL:     cfg.TLS.OCSPCacheTTL,
		CRLCacheTTL:      cfg.TLS.CRLCacheTTL,
	})
}

// tlsHandshakeHook steps a server-side TLS handshake once per round,
// for any accepted CX whose com is TLS-wrapped (spec §4.7/§4.8's
// per-round, non-blocking handshake driving). Plain TCP CXs are a
// no-op here.
func tlsHandshakeHook(c *cx.CX) {
	switch tc := c.Com().(type) {
	case *com.TLSCom:
		if err := tc.ContinueHandshake(); err != nil && err != com.ErrWouldBlock {
			c.Error()
		}
	case *com.UTLSCom:
		if err := tc.ContinueHandshake(); err != nil && err != com.ErrWouldBlock {
			c.Error()
		}
	}
}

// onAcceptSocketHook returns the OnAcceptSocket callback for a freshly
// accepted job: it dials the job's already-resolved destination and
// pairs the two CXs as peers (spec §4.3's "pumps bytes across peer
// pairs"). When the accepting listener intercepts TLS, the outbound
// leg is dialed with uTLS so the connect-side ClientHello does not
// carry Go's own fingerprint.
func onAcceptSocketHook(logger *slog.Logger, m *metrics.Metrics, job receiver.Job, p *proxy.Proxy) func(*cx.CX) {
	return func(local *cx.CX) {
		m.RecordAccept()

		addr := net.JoinHostPort(job.Host, strconv.Itoa(job.Port))
		rawConn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			logger.Warn("run: upstream dial failed", logging.KeyAddress, addr, logging.KeyError, err)
			local.Error()
			return
		}
		tcpConn, ok := rawConn.(*net.TCPConn)
		if !ok {
			rawConn.Close()
			local.Error()
			return
		}
		upstreamCom, err := com.NewTCPCom(tcpConn)
		if err != nil {
			rawConn.Close()
			local.Error()
			return
		}

		var remoteCom com.Com = upstreamCom
		_, localIsTLS := local.Com().(*com.TLSCom)
		if localIsTLS {
			remoteCom = com.NewUTLSClientCom(upstreamCom, job.Host, utls.HelloChrome_Auto)
		}

		remote := p.AddAccepted(com.Sider, remoteCom, cx.Hooks{})
		proxy.PairPeers(local, remote)

		logger.Debug("run: paired accepted connection", logging.KeyAddress, addr)
	}
}
