package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kabili207/chatsync-go/auth"
	"github.com/kabili207/chatsync-go/client"
	"github.com/kabili207/chatsync-go/config"
	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/history"
	"github.com/kabili207/chatsync-go/metrics"
	"github.com/kabili207/chatsync-go/transport"
	"github.com/kabili207/chatsync-go/transport/mqtt"
	"github.com/kabili207/chatsync-go/transport/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func init() {
	runCmd.Flags().StringSlice("room", nil, "additional room to join (repeatable)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and log updates until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
			cfg.Log.Level = lvl
		}
		if extra, _ := cmd.Flags().GetStringSlice("room"); len(extra) > 0 {
			cfg.Rooms = append(cfg.Rooms, extra...)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	if cfg.History.URL == "" {
		return errors.New("history.url is required")
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg, logger)
		defer srv.Close()
	}

	self := core.User{ID: core.UserID(cfg.User.ID), DisplayName: cfg.User.DisplayName}
	ch := newChannel(cfg, self.ID, logger)

	var cl *client.Client
	hist, err := history.NewClient(history.ClientConfig{
		BaseURL:     cfg.History.URL,
		Token:       func() string { return cl.Credential().Token },
		PageSize:    cfg.History.PageSize,
		MaxMessages: cfg.History.MaxMessages,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var refresher auth.Refresher
	if cfg.Auth.RefreshURL != "" {
		refresher = &auth.HTTPRefresher{URL: cfg.Auth.RefreshURL, RefreshToken: cfg.Auth.RefreshToken}
	}

	cl, err = client.New(client.Config{
		Self:            self,
		Channel:         ch,
		History:         hist,
		BlockLists:      hist,
		Refresher:       refresher,
		Metrics:         m,
		MaxAttempts:     cfg.Session.MaxAttempts,
		BackoffMin:      cfg.Session.BackoffMin,
		BackoffMax:      cfg.Session.BackoffMax,
		ConnectTimeout:  cfg.Session.ConnectTimeout,
		DuplicateWindow: cfg.Sync.DuplicateWindow,
		MaxEntries:      cfg.Sync.MaxEntries,
		DeliveryTimeout: cfg.Sync.DeliveryTimeout,
		MaxForwardGap:   cfg.Sync.MaxForwardGap,
		MaxBackwardSkew: cfg.Sync.MaxBackwardSkew,
		ResyncTimeout:   cfg.Sync.ResyncTimeout,
		TypingIdle:      cfg.Presence.TypingIdleTimeout,
		TypingStopAfter: cfg.Presence.TypingStopAfter,
		AnnounceEvery:   cfg.Presence.AnnounceInterval,
		NoticeTTL:       cfg.Sync.NoticeTTL,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer cl.Close()

	if err := cl.Start(ctx); err != nil {
		return err
	}
	for _, r := range cfg.Rooms {
		if err := cl.Join(core.Room(r)); err != nil {
			logger.Warn("join failed", "room", r, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		logUpdates(ctx, cl.Updates(), logger)
	}()

	if err := cl.Connect(ctx, auth.ParseCredential(cfg.Auth.Token)); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("initial connect failed", "error", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-done:
	}
	return nil
}

func newChannel(cfg *config.Config, self core.UserID, logger *slog.Logger) transport.Channel {
	switch cfg.Channel.Transport {
	case config.TransportMQTT:
		return mqtt.New(mqtt.Config{
			Broker:      cfg.Channel.Broker,
			UseTLS:      cfg.Channel.UseTLS,
			TopicPrefix: cfg.Channel.TopicPrefix,
			User:        self,
			Logger:      logger,
		})
	default:
		return websocket.New(websocket.Config{
			URL:          cfg.Channel.URL,
			PingInterval: cfg.Channel.PingPeriod,
			Logger:       logger,
		})
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

// logUpdates logs the update stream until it closes, the session logs out
// or ctx ends.
func logUpdates(ctx context.Context, updates <-chan client.Update, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			switch u := u.(type) {
			case client.TimelineChanged:
				if n := len(u.Messages); n > 0 {
					last := u.Messages[n-1]
					logger.Info("timeline", "context", u.Context.String(), "messages", n,
						"last_sender", string(last.Sender), "last", last.Content, "status", last.Status.String())
				} else {
					logger.Info("timeline", "context", u.Context.String(), "messages", 0)
				}
			case client.PresenceChanged:
				logger.Info("presence", "context", u.Context.String(), "users", len(u.Users))
			case client.TypingChanged:
				logger.Debug("typing", "context", u.Context.String(), "users", u.Users)
			case client.ConnectionChanged:
				logger.Info("connection", "from", u.From.String(), "to", u.State.String(), "error", u.Err)
			case client.ContextsChanged:
				logger.Info("contexts", "joined", len(u.Joined), "active", u.Active.String())
			case client.SyncingChanged:
				logger.Debug("syncing", "context", u.Context.String(), "syncing", u.Syncing, "error", u.Err)
			case client.NoticeRaised:
				logger.Warn("notice", "context", u.Notice.Context.String(), "code", u.Notice.Code, "message", u.Notice.Message)
			case client.NoticeExpired:
				logger.Debug("notice expired", "id", u.Notice.ID)
			case client.RestrictionChanged:
				logger.Warn("restriction", "context", u.Context.String(), "until", u.Until)
			case client.LoggedOut:
				logger.Error("logged out", "error", u.Err)
				return
			}
		}
	}
}
