package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatrelay/config"
	"chatrelay/discovery"
	"chatrelay/dispatch"
	"chatrelay/docstore"
	"chatrelay/janitor"
	"chatrelay/logging"
	"chatrelay/models"
	"chatrelay/server"
	"chatrelay/storage"
	"chatrelay/wire"
)

const version = "0.1.0"

const usage = `Chat relay.

Usage:
    chatrelay serve [--host=<host>] [--port=<port>] [--passcode=<passcode>] [--run-for=<duration>] [--log=<env>] [--no-advertise]
    chatrelay events [--type=<type>] [--client=<name>] [--message=<id>] [--limit=<n>]
    chatrelay discover [--timeout=<duration>]
    chatrelay hash-passcode <passcode>
    chatrelay -h | --help
    chatrelay --version

Options:
    -h --help                Show this screen.
    --version                Show version.
    --host=<host>            IPv4 listen host, overrides the config file.
    --port=<port>            Listen port, overrides the config file.
    --passcode=<passcode>    Passcode for this run only; the config hash is ignored.
    --run-for=<duration>     Stop after this long, e.g. 30s or 5m.
    --log=<env>              Logger: development, production or example.
    --no-advertise           Do not announce the relay over mDNS.
    --type=<type>            Event type filter, e.g. NEW_CLIENT.
    --client=<name>          Client name filter.
    --message=<id>           Message id filter.
    --limit=<n>              Maximum events to print [default: 50].
    --timeout=<duration>     How long to browse for relays [default: 3s].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		log.Fatalf("parse arguments: %v", err)
	}

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	switch {
	case flag(opts, "serve"):
		err = serve(opts, cfg, dataDir)
	case flag(opts, "events"):
		err = events(opts, dataDir)
	case flag(opts, "discover"):
		err = discover(opts, cfg)
	case flag(opts, "hash-passcode"):
		err = hashPasscode(opts, cfg, cfgPath)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func optString(opts docopt.Opts, name string) string {
	v, _ := opts.String(name)
	return v
}

func serve(opts docopt.Opts, cfg *config.RelayConfig, dataDir string) error {
	if host := optString(opts, "--host"); host != "" {
		cfg.ListenHost = host
	}
	if port := optString(opts, "--port"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("--port: %w", err)
		}
		cfg.ListeningPort = n
	}
	if passcode := optString(opts, "--passcode"); passcode != "" {
		if err := cfg.SetPasscode(passcode); err != nil {
			return err
		}
	}
	if env := optString(opts, "--log"); env != "" {
		cfg.LogEnv = env
	}
	if flag(opts, "--no-advertise") {
		cfg.Advertise = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("startup failed: %w (run hash-passcode or pass --passcode)", err)
	}

	logger, err := logging.New(cfg.LogEnv)
	if err != nil {
		return err
	}
	defer logging.Sync(logger)

	journal, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("startup failed while opening journal: %w", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Warnw("journal close", "error", err)
		}
	}()
	journal.SetEventRetention(cfg.EventRetention.Std())
	logEvent(logger, journal, storage.EventStarting, map[string]any{"server_id": cfg.ServerID})

	var storeOpts []docstore.Option
	if cfg.SortByDate {
		storeOpts = append(storeOpts, docstore.WithSortByDate())
	}
	messages := models.NewPeerMessageStore(storeOpts...)
	notices := models.NewServerNoticeStore(storeOpts...)

	widths := wire.Widths{Type: cfg.TypeWidth, Length: cfg.LengthWidth}
	codec, err := wire.NewCodec(widths)
	if err != nil {
		return err
	}

	registry := server.NewRegistry()
	dispatcher, err := dispatch.New(dispatch.Config{
		Registry: registry,
		Stores:   []*docstore.Store{messages, notices},
		Journal:  journal,
		Logger:   logger,
		Interval: cfg.DispatchEvery.Std(),
	})
	if err != nil {
		return err
	}

	srv, err := server.Listen(server.Config{
		Address:      cfg.ListenAddress(),
		Codec:        codec,
		PasscodeHash: []byte(cfg.PasscodeHash),
		Messages:     messages,
		Notices:      notices,
		Registry:     registry,
		Journal:      journal,
		Waker:        dispatcher,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("startup failed while binding: %w", err)
	}

	jan, err := janitor.New(janitor.Config{
		Schedule: cfg.CompactSchedule,
		Targets: []janitor.Target{
			{Store: notices, TimeField: "created_at", Retention: cfg.NoticeRetention.Std()},
			{Store: messages, TimeField: "received_at", Retention: cfg.MessageRetention.Std()},
		},
		Journal: journal,
		Logger:  logger,
	})
	if err != nil {
		_ = srv.Close()
		return err
	}
	jan.Start()
	defer jan.Stop()

	if cfg.Advertise {
		advertiser, err := discovery.StartAdvertiser(discovery.Config{
			ServerID:   cfg.ServerID,
			ServerName: cfg.ServerName,
			Port:       srv.Address().Port,
			Widths:     widths,
		})
		if err != nil {
			logger.Warnw("mDNS advertisement failed", "error", err)
		} else {
			defer advertiser.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if runFor := optString(opts, "--run-for"); runFor != "" {
		d, err := time.ParseDuration(runFor)
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("--run-for: %w", err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	logger.Infow("relay started",
		"server_id", cfg.ServerID,
		"name", cfg.ServerName,
		"address", srv.Address().String(),
		"journal", dbPath,
	)
	logEvent(logger, journal, storage.EventStarted, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	err = g.Wait()

	logEvent(logger, journal, storage.EventShuttingDown, nil)
	logger.Info("relay stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func logEvent(logger *zap.SugaredLogger, journal *storage.Store, typ storage.EventType, details any) {
	var err error
	if details == nil {
		err = journal.LogEvent(storage.Event{Type: typ})
	} else {
		err = journal.LogEventDetails(storage.Event{Type: typ}, details)
	}
	if err != nil {
		logger.Warnw("journal event", "type", string(typ), "error", err)
	}
}

func events(opts docopt.Opts, dataDir string) error {
	journal, _, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	limit, err := strconv.Atoi(optString(opts, "--limit"))
	if err != nil {
		return fmt.Errorf("--limit: %w", err)
	}
	list, err := journal.GetEvents(storage.EventFilter{
		Type:       storage.EventType(optString(opts, "--type")),
		ClientName: optString(opts, "--client"),
		MessageID:  optString(opts, "--message"),
		Limit:      limit,
	})
	if err != nil {
		return err
	}

	for _, e := range list {
		fmt.Printf("%s  %-22s  client=%-12s  remote=%-21s  message=%s  %s\n",
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339Nano),
			e.Type, deref(e.ClientName), deref(e.RemoteAddr), deref(e.MessageID), e.Details)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func discover(opts docopt.Opts, cfg *config.RelayConfig) error {
	timeout, err := time.ParseDuration(optString(opts, "--timeout"))
	if err != nil {
		return fmt.Errorf("--timeout: %w", err)
	}

	relays, err := discovery.Lookup(context.Background(), discovery.Config{
		ServerID:    cfg.ServerID,
		ScanTimeout: timeout,
	})
	if err != nil {
		return err
	}
	if len(relays) == 0 {
		fmt.Println("No relays found.")
		return nil
	}
	for _, r := range relays {
		fmt.Printf("%-24s  %v:%d  widths=%d/%d  id=%s\n",
			r.Name, r.Addresses, r.Port, r.Widths.Type, r.Widths.Length, r.ServerID)
	}
	return nil
}

func hashPasscode(opts docopt.Opts, cfg *config.RelayConfig, cfgPath string) error {
	if err := cfg.SetPasscode(optString(opts, "<passcode>")); err != nil {
		return err
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Printf("Passcode hash saved to %s\n", cfgPath)
	return nil
}
