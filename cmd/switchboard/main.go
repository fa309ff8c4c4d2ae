package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/switchboard/pkg/chat"
	"github.com/go-go-golems/switchboard/pkg/config"
	"github.com/go-go-golems/switchboard/pkg/content"
	"github.com/go-go-golems/switchboard/pkg/httpd"
	"github.com/go-go-golems/switchboard/pkg/protocol"
	"github.com/go-go-golems/switchboard/pkg/transports/broker"
)

type serveSettings struct {
	addr         string
	redirectAddr string
	certFile     string
	keyFile      string

	configDefaults string
	configUser     string
	staticRoots    []string

	redisAddr     string
	redisGroup    string
	redisConsumer string

	logLevel string
}

func main() {
	// .env is optional; missing files are fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "switchboard",
		Short: "Multi-session chat server with pluggable protocol transports",
	}
	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	s := &serveSettings{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat UI, websocket endpoint, and message broker bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), s)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&s.addr, "addr", envOr("SWITCHBOARD_ADDR", ":8080"), "HTTP listen address")
	flags.StringVar(&s.redirectAddr, "redirect-addr", "", "plain-HTTP listener redirecting to the TLS address")
	flags.StringVar(&s.certFile, "cert", os.Getenv("SWITCHBOARD_CERT"), "TLS certificate file")
	flags.StringVar(&s.keyFile, "key", os.Getenv("SWITCHBOARD_KEY"), "TLS key file")
	flags.StringVar(&s.configDefaults, "config-defaults", "config/defaults.yaml", "defaults YAML file")
	flags.StringVar(&s.configUser, "config", "config/user.yaml", "user overrides YAML file")
	flags.StringSliceVar(&s.staticRoots, "static", []string{"static"}, "static content roots, earlier wins")
	flags.StringVar(&s.redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address; empty runs the in-process broker")
	flags.StringVar(&s.redisGroup, "redis-group", "switchboard", "redis stream consumer group")
	flags.StringVar(&s.redisConsumer, "redis-consumer", "", "redis stream consumer name")
	flags.StringVar(&s.logLevel, "log-level", envOr("SWITCHBOARD_LOG_LEVEL", "info"), "zerolog level")
	return cmd
}

func runServe(ctx context.Context, s *serveSettings) error {
	if err := setupLogging(s.logLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	connect, sharedBackend := buildConnector(s)

	orphans := protocol.NewOrphanTracker()
	orphans.Start(ctx)

	wiring := chat.Wiring{
		Connect:       connect,
		SharedBackend: sharedBackend,
		Config:        config.New(s.configDefaults, s.configUser),
		Orphans:       orphans,
		Metrics:       protocol.NewMetrics(prometheus.DefaultRegisterer),
	}

	manager := httpd.NewSessionManager(chat.SessionFactory(wiring))
	srv := httpd.NewServer(httpd.Options{
		Addr:         s.addr,
		CertFile:     s.certFile,
		KeyFile:      s.keyFile,
		RedirectAddr: s.redirectAddr,
	}, manager, content.NewResolver(s.staticRoots...))

	return srv.Run(ctx)
}

// buildConnector picks the broker backend: redis streams when an address is
// configured, otherwise a process-local pub/sub shared by all sessions.
func buildConnector(s *serveSettings) (broker.Connector, bool) {
	if s.redisAddr != "" {
		log.Info().Str("addr", s.redisAddr).Msg("using redis stream broker")
		return broker.RedisConnector(broker.RedisSettings{
			Addr:     s.redisAddr,
			Group:    s.redisGroup,
			Consumer: s.redisConsumer,
		}), false
	}
	log.Info().Msg("using in-process broker")
	ps := gochannel.NewGoChannel(gochannel.Config{}, broker.NewWatermillLogger(log.Logger))
	return broker.GoChannelConnector(ps), true
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
