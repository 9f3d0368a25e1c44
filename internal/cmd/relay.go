package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roboricindustries/raycon-collab/internal/config"
	"github.com/roboricindustries/raycon-collab/pkg/audit"
	"github.com/roboricindustries/raycon-collab/pkg/discovery"
	"github.com/roboricindustries/raycon-collab/pkg/presence"
	"github.com/roboricindustries/raycon-collab/pkg/pubsub"
	v2 "github.com/roboricindustries/raycon-collab/pkg/pubsub/v2"
	"github.com/roboricindustries/raycon-collab/pkg/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the presence and fan-out server",
	Long: `Relay accepts websocket connections from participants, keeps the roster of
every workflow, rebroadcasts write-lock events and releases the lock for a
writer whose connection drops. Several relays can share presence and
broadcasts through Redis.`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

func init() {
	flags := relayCmd.Flags()
	flags.String("addr", "", "listen address")
	flags.String("store", "", "presence store: memory, redis or bolt")
	flags.String("fanout", "", "broadcast fan-out: local or redis")
	flags.Bool("advertise", false, "advertise over mDNS")
	_ = v.BindPFlag("relay.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("relay.store", flags.Lookup("store"))
	_ = v.BindPFlag("relay.fanout", flags.Lookup("fanout"))
	_ = v.BindPFlag("relay.advertise", flags.Lookup("advertise"))
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rc := cfg.Relay

	var rdb redis.UniversalClient
	if strings.EqualFold(rc.Store, config.StoreRedis) || strings.EqualFold(rc.Fanout, config.FanoutRedis) {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rc.RedisAddr}})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", rc.RedisAddr, err)
		}
	}

	store, err := openStore(rc, rdb, "")
	if err != nil {
		return err
	}
	tracker := presence.NewTracker(store, presence.WithTTL(rc.PresenceTTL), presence.WithLogger(logger))
	defer tracker.Close()

	recorder, err := openRecorder(ctx, rc)
	if err != nil {
		return err
	}
	defer recorder.Close()

	opts := []relay.Option{relay.WithLogger(logger), relay.WithRecorder(recorder)}
	if strings.EqualFold(rc.Fanout, config.FanoutRedis) {
		opts = append(opts, relay.WithFanout(relay.NewRedisFanout(rdb, "", logger)))
	}
	srv := relay.New(relay.Config{Addr: rc.Addr, SweepInterval: rc.SweepInterval}, tracker, opts...)

	if rc.Advertise {
		ad, err := advertise(rc.Addr)
		if err != nil {
			return err
		}
		defer ad.Shutdown()
	}

	if rc.AMQPPresence {
		if err := startAMQPPresence(ctx, rc, rdb); err != nil {
			return err
		}
	}

	return srv.ListenAndServe(ctx)
}

// openStore builds the presence store; prefix separates rosters kept for
// different transports in a shared Redis.
func openStore(rc config.RelayConfig, rdb redis.UniversalClient, prefix string) (presence.Store, error) {
	switch strings.ToLower(rc.Store) {
	case config.StoreRedis:
		return presence.NewRedisStore(rdb, prefix), nil
	case config.StoreBolt:
		path := rc.BoltPath
		if prefix != "" {
			path += "." + strings.ReplaceAll(prefix, ":", "-")
		}
		return presence.OpenBoltStore(path)
	default:
		return presence.NewMemoryStore(), nil
	}
}

func openRecorder(ctx context.Context, rc config.RelayConfig) (audit.Recorder, error) {
	switch strings.ToLower(rc.Audit) {
	case config.AuditPostgres:
		return audit.OpenPostgres(ctx, rc.PostgresURL)
	case config.AuditMemory:
		return audit.NewMemory(rc.HistoryLimit), nil
	default:
		return audit.Nop{}, nil
	}
}

func advertise(addr string) (discovery.Advertisement, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("relay addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("relay port %q: %w", portStr, err)
	}
	backend, err := discovery.New(cfg.Discovery.Backend)
	if err != nil {
		return nil, err
	}
	ad, err := backend.Advertise(cfg.Discovery.Instance, port, discovery.TXT(discovery.DefaultPath, "1"))
	if err != nil {
		return nil, err
	}
	logger.Info("advertising relay", slog.String("service", discovery.ServiceType), slog.Int("port", port))
	return ad, nil
}

// startAMQPPresence keeps rosters for participants on the AMQP transport.
// They are kept apart from websocket rosters.
func startAMQPPresence(ctx context.Context, rc config.RelayConfig, rdb redis.UniversalClient) error {
	a := cfg.Transport.AMQP
	client, err := v2.NewClient(ctx, v2.RabbitMQConfig{
		URL:             a.URL,
		Exchange:        a.Exchange,
		AppID:           "relay",
		PublishPoolSize: a.PublishPoolSize,
		MessageTTL:      a.MessageTTL,
		Dialer: pubsub.RetryDialer(pubsub.DialOptions{
			Attempts:       a.RetryAttempts,
			Delay:          a.RetryDelay,
			ConnectionName: "collab-relay",
			Logger:         logger,
		}),
	}, logger)
	if err != nil {
		return fmt.Errorf("amqp presence: %w", err)
	}
	store, err := openStore(rc, rdb, "collab:presence:amqp")
	if err != nil {
		client.Close()
		return err
	}
	tracker := presence.NewTracker(store, presence.WithTTL(rc.PresenceTTL), presence.WithLogger(logger))
	p := relay.NewAMQPPresence(tracker, client, logger)
	go func() {
		defer client.Close()
		defer tracker.Close()
		if err := p.Run(ctx, client, rc.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("amqp presence stopped", slog.Any("err", err))
		}
	}()
	return nil
}
