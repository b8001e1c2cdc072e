package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/karpov-sv/fram-grandma/internal/api"
	"github.com/karpov-sv/fram-grandma/internal/auth"
	"github.com/karpov-sv/fram-grandma/internal/broker"
	"github.com/karpov-sv/fram-grandma/internal/config"
	"github.com/karpov-sv/fram-grandma/internal/health"
	"github.com/karpov-sv/fram-grandma/internal/horizon"
	"github.com/karpov-sv/fram-grandma/internal/journal"
	"github.com/karpov-sv/fram-grandma/internal/notify"
	"github.com/karpov-sv/fram-grandma/internal/observe"
	"github.com/karpov-sv/fram-grandma/internal/plan"
	"github.com/karpov-sv/fram-grandma/internal/poller"
	"github.com/karpov-sv/fram-grandma/internal/rts2"
	"github.com/karpov-sv/fram-grandma/internal/store"
	"github.com/karpov-sv/fram-grandma/internal/visibility"
)

const usage = `usage: planwatch <command> [flags]

commands:
  listen    poll the broker for new observation plans
  process   process plan files from disk: planwatch process [flags] file...
  summary   list active field lists and their visibility tonight
  observe   point the telescope at the best visible fields
  convert   turn tiling rank lists into field lists: planwatch convert file...
`

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]

	flags := pflag.NewFlagSet("planwatch "+cmd, pflag.ExitOnError)
	config.RegisterFlags(flags)
	flags.Parse(os.Args[2:])

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "planwatch: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(os.Stdout, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "listen":
		err = runListen(ctx, cfg, logger)
	case "process":
		err = runProcess(ctx, cfg, logger, flags.Args())
	case "summary":
		err = runSummary(ctx, cfg, logger)
	case "observe":
		err = runObserve(ctx, cfg, logger)
	case "convert":
		err = runConvert(logger, flags.Args())
	default:
		fmt.Fprintf(os.Stderr, "planwatch: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("planwatch failed", "command", cmd, "error", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func newEngine(cfg config.Config, logger *slog.Logger) (*visibility.Engine, error) {
	model, err := horizon.Load(cfg.Horizon.File, cfg.Horizon.MinAlt, logger)
	if err != nil {
		return nil, err
	}
	return visibility.NewEngine(model, logger, visibility.WithSamples(cfg.Visibility.Samples)), nil
}

func newTelescope(cfg config.Config, logger *slog.Logger) (*rts2.Client, error) {
	if cfg.Telescope.APIURL == "" {
		return nil, nil
	}
	return rts2.NewClient(rts2.Config{
		BaseURL:  cfg.Telescope.APIURL,
		Username: cfg.Telescope.Username,
		Password: cfg.Telescope.Password,
		TargetID: cfg.Telescope.TargetID,
		Timeout:  cfg.Telescope.Timeout,
	}, logger)
}

// closers collects cleanup functions run in reverse order.
type closers []func()

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func newDispatcher(cfg config.NotifyConfig, logger *slog.Logger) (*notify.Dispatcher, closers, error) {
	d := notify.NewDispatcher(logger)
	var cleanup closers

	if len(cfg.Email.To) > 0 {
		s, err := notify.NewEmailSink(notify.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("email sink: %w", err)
		}
		d.Add(s)
	}

	if cfg.Telegram.Token != "" && len(cfg.Telegram.ChatIDs) > 0 {
		d.Add(notify.NewTelegramSink(notify.TelegramConfig{
			Token:   cfg.Telegram.Token,
			ChatIDs: cfg.Telegram.ChatIDs,
			APIURL:  cfg.Telegram.APIURL,
		}))
	}

	if cfg.NATS.URL != "" {
		s, err := notify.NewNATSSink(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return nil, cleanup, fmt.Errorf("nats sink: %w", err)
		}
		d.Add(s)
		cleanup = append(cleanup, s.Close)
	}

	if cfg.MQTT.Broker != "" {
		s, err := notify.NewMQTTSink(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, byte(cfg.MQTT.QoS))
		if err != nil {
			cleanup.close()
			return nil, nil, fmt.Errorf("mqtt sink: %w", err)
		}
		d.Add(s)
		cleanup = append(cleanup, s.Close)
	}

	logger.Info("notification sinks configured", "count", d.Len())
	return d, cleanup, nil
}

func openJournal(cfg config.Config, logger *slog.Logger) *journal.DB {
	if cfg.Journal.Path == "" {
		return nil
	}
	db, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		logger.Warn("journal disabled", "path", cfg.Journal.Path, "error", err)
		return nil
	}
	logger.Info("journal opened", "path", cfg.Journal.Path)
	return db
}

// newPoller wires the ingestion loop. The returned cleanup must be called
// even on error.
func newPoller(cfg config.Config, logger *slog.Logger, withBroker bool, readiness *health.Readiness) (*poller.Poller, *journal.DB, closers, error) {
	var cleanup closers

	engine, err := newEngine(cfg, logger)
	if err != nil {
		return nil, nil, cleanup, err
	}

	deps := poller.Deps{
		Store:     store.New(cfg.Base, nil, logger),
		Engine:    engine,
		Readiness: readiness,
	}

	if withBroker {
		bc, err := broker.NewClient(broker.Config{
			BaseURL:      cfg.Broker.URL,
			Token:        cfg.Broker.Token,
			AuthScheme:   cfg.Broker.AuthScheme,
			InstrumentID: cfg.Poll.InstrumentID,
			Timeout:      cfg.Broker.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, cleanup, err
		}
		deps.Broker = bc
	}

	tel, err := newTelescope(cfg, logger)
	if err != nil {
		return nil, nil, cleanup, err
	}
	if tel != nil {
		deps.Telescope = tel
	}

	dispatcher, sinkCleanup, err := newDispatcher(cfg.Notify, logger)
	if err != nil {
		return nil, nil, cleanup, err
	}
	cleanup = append(cleanup, sinkCleanup...)
	deps.Notifier = dispatcher

	db := openJournal(cfg, logger)
	if db != nil {
		deps.Journal = db
		cleanup = append(cleanup, func() { db.Close() })
	}

	p := poller.New(deps, poller.Config{
		Delay:      cfg.Poll.Delay,
		Lookback:   cfg.Poll.Lookback,
		MaxAgeDays: cfg.Poll.MaxAgeDays,
		MaxFields:  cfg.Poll.MaxFields,
		Repeat:     cfg.Poll.Repeat,
		Followups:  cfg.Poll.Followups,
		Workbook:   cfg.Poll.Workbook,
	}, logger)
	return p, db, cleanup, nil
}

func runListen(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if out := poller.Preflight(cfg.Broker.Token); out.Kind == poller.Fatal {
		return out.Err
	}

	readiness := &health.Readiness{}
	p, db, cleanup, err := newPoller(cfg, logger, true, readiness)
	defer cleanup.close()
	if err != nil {
		return err
	}

	if cfg.Status.Addr != "" {
		deps := api.Deps{
			Fields:    store.New(cfg.Base, nil, logger),
			Readiness: readiness,
		}
		if db != nil {
			deps.Ingests = db
		}
		srv := api.NewServer(cfg.Status.Addr, logger, auth.Config{Token: cfg.Status.Token}, deps)

		go func() {
			logger.Info("starting status server", "addr", cfg.Status.Addr, "auth_enabled", cfg.Status.Token != "")
			if err := srv.ListenAndServe(); err != nil {
				logger.Error("status server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown error", "error", err)
			}
		}()
	}

	logger.Info("listening for plans", "broker", cfg.Broker.URL, "instrument", cfg.Poll.InstrumentID, "base", cfg.Base)
	return p.Run(ctx)
}

func runProcess(ctx context.Context, cfg config.Config, logger *slog.Logger, files []string) error {
	if len(files) == 0 {
		return errors.New("process: no plan files given")
	}

	p, _, cleanup, err := newPoller(cfg, logger, false, nil)
	defer cleanup.close()
	if err != nil {
		return err
	}

	var failed int
	for _, path := range files {
		outcomes, err := p.ProcessFile(ctx, path)
		if err != nil {
			logger.Error("processing plan file", "path", path, "error", err)
			failed++
			continue
		}
		for _, out := range outcomes {
			if out.Kind == poller.Recoverable || out.Kind == poller.Fatal {
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d plan(s) failed", failed)
	}
	return nil
}

func runSummary(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	deps := poller.Deps{
		Store:  store.New(cfg.Base, nil, logger),
		Engine: engine,
	}
	tel, err := newTelescope(cfg, logger)
	if err != nil {
		return err
	}
	if tel != nil {
		deps.Telescope = tel
	}

	lists, err := poller.New(deps, poller.Config{}, logger).Summary(ctx)
	if err != nil {
		return err
	}
	return poller.WriteSummary(os.Stdout, lists)
}

func runObserve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	tel, err := newTelescope(cfg, logger)
	if err != nil {
		return err
	}
	if tel == nil {
		return errors.New("observe: telescope.api_url is required")
	}

	var recorder observe.PointingRecorder
	if db := openJournal(cfg, logger); db != nil {
		defer db.Close()
		recorder = db
	}

	runner := observe.NewRunner(store.New(cfg.Base, nil, logger), engine, tel, tel, recorder,
		observe.Config{MaxPointings: cfg.Observe.MaxPointings}, logger)
	rep, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("observe run finished",
		"lists", rep.Lists,
		"pointings", rep.Pointings,
		"removed", rep.Removed,
		"skipped", rep.Skipped,
		"unknown", rep.Unknown,
		"point_errors", rep.PointErrors,
		"target_disabled", rep.Disabled,
	)
	return nil
}

// runConvert writes a .fields file next to every rank list, with the R
// filter and 120 s exposures.
func runConvert(logger *slog.Logger, files []string) error {
	if len(files) == 0 {
		return errors.New("convert: no rank list files given")
	}
	for _, path := range files {
		out, err := convertRankList(path)
		if err != nil {
			return err
		}
		logger.Info("converted rank list", "path", path, "fields_file", out)
	}
	return nil
}

func convertRankList(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening rank list: %w", err)
	}
	defer in.Close()

	fields, err := plan.ReadRankList(in, plan.RankListFilter, plan.RankListExposure)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}

	outPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".fields"
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("creating fields file: %w", err)
	}
	if err := plan.WriteFields(out, fields); err != nil {
		out.Close()
		return "", fmt.Errorf("writing %s: %w", outPath, err)
	}
	return outPath, out.Close()
}
