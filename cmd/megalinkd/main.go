// megalinkd keeps a live link to an ECU and republishes its telemetry:
// it loads a definition, connects over serial, TCP or a built-in
// simulator, reads the full tune, streams realtime data and serves it
// to websocket consumers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openefi/megalink/internal/config"
	"github.com/openefi/megalink/internal/feed"
	"github.com/openefi/megalink/internal/logging"
	"github.com/openefi/megalink/internal/proto"
	"github.com/openefi/megalink/internal/session"
	"github.com/openefi/megalink/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/megalink/config.yaml", "path to config file")
	definition := flag.String("definition", "", "override definition file path")
	port := flag.String("port", "", "override serial port")
	listen := flag.String("listen", "", "override feed listen address")
	demo := flag.Bool("demo", false, "run against a simulated ECU")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *definition != "" {
		cfg.Definition.Path = *definition
	}
	if *port != "" {
		cfg.Connection.Port = *port
	}
	if *listen != "" {
		cfg.Feed.Listen = *listen
	}
	if *demo {
		cfg.Connection.Kind = "sim"
	}

	log := logging.Setup(cfg.Logs)
	log.Info().Str("config", *configPath).Msg("megalinkd starting")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("daemon exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	if cfg.Definition.Path == "" {
		return fmt.Errorf("no definition file configured")
	}

	sess := session.New(log, proto.Options{
		CommandTimeout: time.Duration(cfg.Timeouts.CommandMs) * time.Millisecond,
		BurnTimeout:    time.Duration(cfg.Timeouts.BurnMs) * time.Millisecond,
		Retries:        cfg.Timeouts.Retries,
	})
	if _, err := sess.LoadDefinition(cfg.Definition.Path); err != nil {
		return fmt.Errorf("load definition: %w", err)
	}
	if cfg.Definition.CatalogDir != "" {
		cat, err := session.ScanCatalog(cfg.Definition.CatalogDir, log)
		if err != nil {
			log.Warn().Err(err).Msg("catalog unavailable")
		} else {
			sess.SetCatalog(cat)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f := feed.New(sess, log)
	unsubscribe := sess.Subscribe(f.Publish)
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Run(ctx, cfg.Feed.Listen) })
	g.Go(func() error {
		connectLoop(ctx, cfg, sess, log)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sess.StopStreaming()
		return sess.Disconnect()
	})
	return g.Wait()
}

// connectLoop brings the link up with exponential backoff, then reads
// the full tune and starts streaming. The feed serves whatever state
// exists meanwhile, so a missing ECU never blocks startup.
func connectLoop(ctx context.Context, cfg *config.Config, sess *session.Session, log zerolog.Logger) {
	delay := time.Second
	const maxDelay = 60 * time.Second
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := bringUp(cfg, sess, log)
		if err == nil {
			return
		}
		sess.Disconnect()
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("connect failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func bringUp(cfg *config.Config, sess *session.Session, log zerolog.Logger) error {
	tr, err := openTransport(cfg, sess)
	if err != nil {
		return err
	}
	res, err := sess.Connect(tr)
	if err != nil {
		tr.Close()
		return err
	}
	if res.Match == proto.MatchMismatch {
		def := sess.Definition()
		log.Warn().Err(res.MismatchError(def.Signature)).Msg("ecu signature does not match loaded definition")
		for _, c := range res.Candidates {
			log.Info().Str("path", c.Path).Str("signature", c.Signature).Msg("matching definition in catalog")
		}
	}
	if err := sess.ReadAllPages(); err != nil {
		return fmt.Errorf("initial tune read: %w", err)
	}
	return sess.StartStreaming(cfg.Stream.Hz)
}

func openTransport(cfg *config.Config, sess *session.Session) (transport.Conn, error) {
	switch cfg.Connection.Kind {
	case "serial":
		return transport.OpenSerial(cfg.Connection.Port, cfg.Connection.Baud)
	case "tcp":
		return transport.DialTCP(cfg.Connection.Addr, 5*time.Second)
	case "sim":
		def := sess.Definition()
		sim := proto.NewSim(def)
		sim.Realtime = proto.DemoGenerator(def)
		return sim, nil
	default:
		return nil, fmt.Errorf("unknown connection kind %q", cfg.Connection.Kind)
	}
}
