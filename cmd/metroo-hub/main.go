// Package main provides the CLI entry point for the Metroo tunnel hub and agent.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/postalsys/metroo-hub/internal/auth"
	"github.com/postalsys/metroo-hub/internal/client"
	"github.com/postalsys/metroo-hub/internal/config"
	"github.com/postalsys/metroo-hub/internal/control"
	"github.com/postalsys/metroo-hub/internal/health"
	"github.com/postalsys/metroo-hub/internal/logging"
	"github.com/postalsys/metroo-hub/internal/metrics"
	"github.com/postalsys/metroo-hub/internal/ports"
	"github.com/postalsys/metroo-hub/internal/store"
	"github.com/postalsys/metroo-hub/internal/transport"
	"github.com/postalsys/metroo-hub/internal/tunnel"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "metroo-hub",
		Short: "Metroo hub - TCP tunnels through a central relay",
		Long: `Metroo hub accepts authenticated agent control channels, opens a
public TCP listener for every service an agent exposes and relays client
connections to the agent over the channel. Agents can also reach services
exposed by other agents through the hub.`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(hubCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(servicesCmd())
	rootCmd.AddCommand(exposeCmd())
	rootCmd.AddCommand(relaysCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func hubCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the tunnel hub",
		Long:  "Start the hub with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadHub(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Hub.LogLevel, cfg.Hub.LogFormat)
			logger.Debug("configuration loaded", "config", cfg.Redacted().String())

			ctx, cancel := signalContext()
			defer cancel()

			return runHub(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./hub.yaml", "Path to configuration file")

	return cmd
}

// hubStats adapts the hub to the health server.
type hubStats struct {
	hub     *tunnel.Hub
	running atomic.Bool
}

func (s *hubStats) IsRunning() bool {
	return s.running.Load()
}

func (s *hubStats) Stats() health.Stats {
	st := s.hub.Status()
	return health.Stats{
		AgentCount:   st.Agents,
		ServiceCount: st.Services,
		RelayCount:   st.Relays,
		PortsInUse:   st.PortsInUse,
		PortsTotal:   st.PortRangeEnd - st.PortRangeStart + 1,
	}
}

func runHub(ctx context.Context, cfg *config.HubConfig, logger *slog.Logger) error {
	st, err := store.Open(cfg.Hub.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}
	defer st.Flush()

	alloc, err := ports.NewAllocator(cfg.Tunnels.PortRangeStart, cfg.Tunnels.PortRangeEnd)
	if err != nil {
		return err
	}
	if n := alloc.Seed(st.ActiveReservations(), cfg.Tunnels.ReservationTTL); n > 0 {
		logger.Info("holding ports for returning agents",
			logging.KeyCount, n,
			"state", st.Path())
	}
	if err := st.ResetOnline(); err != nil {
		logger.Warn("failed to reset agent status", logging.KeyError, err)
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Secret:        []byte(cfg.Auth.Secret),
		TokenTTL:      cfg.Auth.TokenTTL,
		RotationGrace: cfg.Auth.RotationGrace,
	})
	if err != nil {
		return err
	}

	m := metrics.Default()
	hub, err := tunnel.NewHub(tunnel.Config{
		Validator:                 authenticator,
		Allocator:                 alloc,
		Store:                     st,
		BindHost:                  cfg.Tunnels.BindHost,
		DialTimeout:               cfg.Tunnels.DialTimeout,
		BindAttempts:              cfg.Tunnels.BindAttempts,
		MaxConnectionsPerListener: cfg.Limits.MaxConnectionsPerListener,
		AcceptRate:                cfg.Limits.AcceptRate,
		AcceptBurst:               cfg.Limits.AcceptBurst,
		FrameSize:                 cfg.Limits.FrameSize.Int(),
		WriteQueue:                cfg.Limits.WriteQueue,
		SendQueue:                 cfg.Limits.SendQueue,
		SocketWriteTimeout:        cfg.Limits.SocketWriteTimeout,
		Metrics:                   m,
		Logger:                    logger,
	})
	if err != nil {
		return err
	}

	tokens := auth.NewHandler(authenticator, auth.AdminCredentials{
		User:         cfg.Auth.AdminUser,
		PasswordHash: cfg.Auth.AdminPasswordHash,
	}, logger)

	lcfg := transport.ListenerConfig{
		Address:   cfg.Listen.Address,
		Path:      cfg.Listen.Path,
		PlainText: cfg.Listen.Plaintext,
		Handlers: map[string]http.Handler{
			"/api/tokens":  tokens,
			"/api/tokens/": tokens,
		},
		Keepalive: transport.KeepaliveConfig{
			Interval: cfg.Keepalive.Interval,
			Timeout:  cfg.Keepalive.Timeout,
		},
		Logger: logger,
	}
	if !cfg.Listen.Plaintext {
		lcfg.TLSConfig, err = transport.LoadTLSConfig(cfg.Listen.TLS.Cert, cfg.Listen.TLS.Key)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
	}

	ln, err := transport.Listen(lcfg)
	if err != nil {
		return err
	}

	stats := &hubStats{hub: hub}

	if cfg.Health.Enabled {
		hs := health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, stats)
		if err := hs.Start(); err != nil {
			ln.Close()
			return fmt.Errorf("failed to start health server: %w", err)
		}
		defer hs.Stop()
		logger.Info("health server started", logging.KeyAddress, hs.Address().String())
	}

	if cfg.Control.Enabled {
		ccfg := control.DefaultServerConfig()
		ccfg.SocketPath = cfg.Control.SocketPath
		cs := control.NewServer(ccfg, hub)
		if err := cs.Start(); err != nil {
			ln.Close()
			return fmt.Errorf("failed to start control server: %w", err)
		}
		defer cs.Stop()
	}

	logger.Info("hub started",
		logging.KeyAddress, ln.Addr().String(),
		"ports", fmt.Sprintf("%d-%d", cfg.Tunnels.PortRangeStart, cfg.Tunnels.PortRangeEnd),
		"version", Version)
	stats.running.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			ch, err := ln.Accept(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			go hub.HandleChannel(gctx, ch)
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		stats.running.Store(false)
		logger.Info("shutting down")

		err := hub.Close()
		ln.Close()
		return err
	})

	return g.Wait()
}

func agentCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run an agent",
		Long:  "Connect to a hub, expose the configured services and open the configured forwards.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

			ctx, cancel := signalContext()
			defer cancel()

			return runAgent(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./agent.yaml", "Path to configuration file")

	return cmd
}

func runAgent(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) error {
	services := make([]client.Service, 0, len(cfg.Services))
	for _, s := range cfg.Services {
		services = append(services, client.Service{
			ID:         s.ID,
			Name:       s.Name,
			TunnelPort: s.TunnelPort,
			TargetHost: s.TargetHost,
			TargetPort: s.TargetPort,
		})
	}

	var tlsConfig *tls.Config
	if cfg.TLS.CA != "" {
		pool, err := transport.LoadCAPool(cfg.TLS.CA)
		if err != nil {
			return err
		}
		tlsConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	c, err := client.New(client.Config{
		AgentID:            cfg.Agent.ID,
		Token:              cfg.Agent.Token,
		HubURL:             cfg.Agent.HubURL,
		TLSConfig:          tlsConfig,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		Services:           services,
		DialTimeout:        cfg.DialTimeout,
		HeartbeatInterval:  cfg.Agent.HeartbeatInterval,
		Reconnect: client.ReconnectConfig{
			InitialDelay: cfg.Reconnect.InitialDelay,
			MaxDelay:     cfg.Reconnect.MaxDelay,
			Multiplier:   cfg.Reconnect.Multiplier,
		},
		RotateToken: cfg.Agent.RotateToken,
		OnTokenRotated: func(_ string, expires time.Time) {
			logger.Warn("token rotated; issue a new token for the agent configuration before restart",
				"expires", expires.Format(time.RFC3339))
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	for _, f := range cfg.Forwards {
		fw := client.NewForwarder(client.ForwarderConfig{
			ServiceID: f.ServiceID,
			Address:   f.Listen,
			Logger:    logger,
		}, c)
		if err := fw.Start(); err != nil {
			return err
		}
		defer fw.Stop()
	}

	logger.Info("agent starting",
		logging.KeyAgentID, cfg.Agent.ID,
		"hub", cfg.Agent.HubURL,
		"services", len(services),
		"forwards", len(cfg.Forwards))

	err = c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
