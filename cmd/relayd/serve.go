package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaykit/relay"
	natsbp "github.com/relaykit/relay/backplanes/nats"
	redisbp "github.com/relaykit/relay/backplanes/redis"
	jsoncodec "github.com/relaykit/relay/codecs/json"
	msgpackcodec "github.com/relaykit/relay/codecs/msgpack"
	"github.com/relaykit/relay/telemetry"
	"github.com/relaykit/relay/transports/longpoll"
	wstransport "github.com/relaykit/relay/transports/websocket"
)

const maxPublishBytes = 64 << 10

func serveCmd() *cobra.Command {
	var (
		addr           string
		natsURL        string
		redisURL       string
		channel        string
		pollTimeout    time.Duration
		reconnectDelay time.Duration
		idleTimeout    time.Duration
		echo           bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(serveConfig{
				addr:           addr,
				natsURL:        natsURL,
				redisURL:       redisURL,
				channel:        channel,
				pollTimeout:    pollTimeout,
				reconnectDelay: reconnectDelay,
				idleTimeout:    idleTimeout,
				echo:           echo,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL for the backplane")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis URL for the backplane")
	cmd.Flags().StringVar(&channel, "channel", "", "backplane channel name")
	cmd.Flags().DurationVar(&pollTimeout, "poll-timeout", longpoll.DefaultPollTimeout, "long-poll wait before a timed-out response")
	cmd.Flags().DurationVar(&reconnectDelay, "reconnect-delay", 0, "suggested client retry delay on long-poll responses")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 5*time.Minute, "close connections with no transport activity for this long (0 disables)")
	cmd.Flags().BoolVar(&echo, "echo", false, "deliver messages back to their publisher")
	return cmd
}

type serveConfig struct {
	addr           string
	natsURL        string
	redisURL       string
	channel        string
	pollTimeout    time.Duration
	reconnectDelay time.Duration
	idleTimeout    time.Duration
	echo           bool
}

func runServe(cfg serveConfig) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	if cfg.natsURL != "" && cfg.redisURL != "" {
		return errors.New("choose one backplane: --nats-url or --redis-url")
	}

	hub := relay.NewHub(jsoncodec.New(), relay.HubOptions{})

	switch {
	case cfg.natsURL != "":
		nc, err := nats.Connect(cfg.natsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		if err := hub.UseBackplane(natsbp.New(nc, cfg.channel, msgpackcodec.New(), log)); err != nil {
			return err
		}
		log.Info("nats backplane attached", zap.String("url", cfg.natsURL))
	case cfg.redisURL != "":
		opt, err := redis.ParseURL(cfg.redisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opt)
		defer client.Close()
		if err := hub.UseBackplane(redisbp.New(client, cfg.channel, msgpackcodec.New(), log)); err != nil {
			return err
		}
		log.Info("redis backplane attached", zap.String("url", cfg.redisURL))
	}

	telemetry.TrackConnections(func() float64 {
		return float64(hub.ConnectionCount())
	})

	lp := longpoll.New(hub, longpoll.Options{
		PollTimeout:    cfg.pollTimeout,
		ReconnectDelay: cfg.reconnectDelay,
		EchoToSource:   cfg.echo,
	}, log)
	ws := wstransport.New(hub, wstransport.Options{
		EchoToSource: cfg.echo,
	}, log)

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/negotiate", telemetry.Instrument("negotiate", http.HandlerFunc(lp.Negotiate)))
	r.Method(http.MethodGet, "/poll", telemetry.Instrument(lp.Name(), lp))
	r.Method(http.MethodGet, "/ws", telemetry.Instrument(ws.Name(), ws))
	r.Method(http.MethodPost, "/publish", telemetry.Instrument("publish", publishHandler(hub, log)))
	r.Handle("/metrics", telemetry.Handler())

	srv := &http.Server{Addr: cfg.addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.idleTimeout > 0 {
		// Long-polling clients that stop polling leave their connections
		// registered; the reaper collects them.
		go func() {
			ticker := time.NewTicker(cfg.idleTimeout / 2)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := hub.CloseIdle(cfg.idleTimeout); n > 0 {
						log.Info("closed idle connections", zap.Int("count", n))
					}
				}
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	return hub.Close()
}

// publishHandler accepts a JSON body and publishes it under the key query
// parameter. The optional id parameter stamps the message source, so a
// long-polling client can publish without echoing to itself.
func publishHandler(hub *relay.Hub, log *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key parameter", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBytes))
		if err != nil {
			http.Error(w, "read body failed", http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "body must be valid JSON", http.StatusBadRequest)
			return
		}

		err = hub.PublishMessage(r.Context(), &relay.Message{
			Key:     key,
			Source:  r.URL.Query().Get("id"),
			Payload: relay.RawPayload(body),
		})
		if err != nil {
			log.Warn("publish failed", zap.String("key", key), zap.Error(err))
			http.Error(w, "publish failed", http.StatusInternalServerError)
			return
		}

		telemetry.MessagesPublished.Inc()
		w.WriteHeader(http.StatusAccepted)
	})
}
