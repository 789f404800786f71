// ABOUTME: Run owns every goroutine: consumers, pool, sweeper, heartbeats, HTTP
// ABOUTME: also the tsnet listener path and ordered graceful shutdown

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/careline/orchestrator/internal/push"
)

// shutdownTimeout bounds the drain of in-flight HTTP requests.
const shutdownTimeout = 5 * time.Second

// Run starts every component and blocks until ctx is canceled or a
// component fails. Either way the service is fully shut down when Run
// returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Assigned before any goroutine that reads it starts.
	o.taskCtx = gctx

	ln, tsServer, err := o.listen(ctx)
	if err != nil {
		return err
	}

	g.Go(func() error { return o.pool.Run(gctx) })
	g.Go(func() error { return o.correlations.Run(gctx) })
	g.Go(func() error { return o.membership.Run(gctx) })
	g.Go(func() error {
		if err := o.responses.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("response consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := o.forwarded.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("forward consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		o.log.Info("HTTP server listening", "addr", ln.Addr().String(), "instance_id", o.membership.ID())
		if err := o.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return o.reloadLoop(gctx) })

	// Shutdown sequencing lives on its own goroutine so a component
	// failure drains the rest the same way a canceled context does.
	g.Go(func() error {
		<-gctx.Done()
		o.shutdown(tsServer)
		return nil
	})

	return g.Wait()
}

// reloadLoop re-reads prompts and intent rules on SIGHUP. A failed
// reload keeps the running set.
func (o *Orchestrator) reloadLoop(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			o.log.Info("reloading prompts and intent rules")
			if err := o.prompts.Reload(); err != nil {
				o.log.Error("prompt reload failed", "error", err)
			}
			if err := o.classifier.ReloadRules(); err != nil {
				o.log.Error("intent rules reload failed", "error", err)
			}
		}
	}
}

// shutdown stops intake first, then tells clients, then releases the
// transports. Pool, sweeper, and consumers are already draining on the
// canceled group context.
func (o *Orchestrator) shutdown(tsServer *tsnet.Server) {
	o.log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := o.httpServer.Shutdown(ctx); err != nil {
		o.log.Warn("http shutdown incomplete", "error", err)
	}

	o.hub.CloseAll(push.ReasonShutdown)

	if err := o.responses.Close(); err != nil {
		o.log.Warn("response consumer close failed", "error", err)
	}
	if err := o.forwarded.Close(); err != nil {
		o.log.Warn("forward consumer close failed", "error", err)
	}
	if err := o.producer.Close(); err != nil {
		o.log.Warn("producer close failed", "error", err)
	}
	if tsServer != nil {
		if err := tsServer.Close(); err != nil {
			o.log.Warn("tailscale close failed", "error", err)
		}
	}
	if err := o.redis.Close(); err != nil {
		o.log.Warn("redis close failed", "error", err)
	}
	o.log.Info("shutdown complete")
}

// listen opens the HTTP listener: plain TCP, or a tsnet node when
// Tailscale is enabled.
func (o *Orchestrator) listen(ctx context.Context) (net.Listener, *tsnet.Server, error) {
	if o.cfg.Tailscale.Enabled {
		return o.listenTailscale(ctx)
	}
	ln, err := net.Listen("tcp", o.cfg.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on %s: %w", o.cfg.Server.HTTPAddr, err)
	}
	return ln, nil, nil
}

func (o *Orchestrator) listenTailscale(ctx context.Context) (net.Listener, *tsnet.Server, error) {
	tsCfg := o.cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	srv := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	o.log.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		o.log.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", status.TailscaleIPs[0].String())
	} else {
		o.log.Warn("tailscale node has no IP addresses assigned")
	}

	if tsCfg.Funnel {
		o.log.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := srv.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = srv.Close()
			return nil, nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, srv, nil
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		_ = srv.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, srv, nil
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "careline-orchestrator", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or the TS_AUTHKEY environment variable")
	}
	return authKey, nil
}
