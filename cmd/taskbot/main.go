// Command taskbot runs the team task bot.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/taskbot/internal/bot"
	"github.com/nhle/taskbot/internal/credential"
	"github.com/nhle/taskbot/internal/gateway"
	"github.com/nhle/taskbot/internal/httpapi"
	"github.com/nhle/taskbot/internal/ledger"
	"github.com/nhle/taskbot/internal/legacy"
	"github.com/nhle/taskbot/internal/logging"
	"github.com/nhle/taskbot/internal/model"
	"github.com/nhle/taskbot/internal/reservation"
	"github.com/nhle/taskbot/internal/scheduler"
	"github.com/nhle/taskbot/internal/service"
	"github.com/nhle/taskbot/internal/store"
	"github.com/nhle/taskbot/internal/telegram"
)

const usage = `Usage: taskbot <command> [flags]

Commands:
  serve             run the bot, the event scheduler and the optional HTTP API
  import <dir>      load users.json, tasks.json and events.json from dir
  set-token         store the Telegram bot token in the system keyring

Run "taskbot <command> --help" for the flags of a command.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "taskbot:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// A .env file is optional.
	_ = godotenv.Load()

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("no command given")
	}

	switch args[0] {
	case "serve":
		return serveCmd(args[1:])
	case "import":
		return importCmd(args[1:])
	case "set-token":
		return setTokenCmd(args[1:])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// commonFlags registers the flags shared by every command and binds them
// to their configuration keys.
func commonFlags(fs *pflag.FlagSet, v *viper.Viper) *string {
	configPath := fs.StringP("config", "c", model.DefaultConfigPath(), "configuration file")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-file", "", "also write logs to this rotating file")
	fs.String("db-driver", "", "record store: sqlite or mongo")
	fs.String("db-path", "", "sqlite database file")
	fs.String("mongo-uri", "", "mongodb connection string")

	bind := map[string]string{
		"log.level":          "log-level",
		"log.file":           "log-file",
		"database.driver":    "db-driver",
		"database.path":      "db-path",
		"database.mongo_uri": "mongo-uri",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, fs.Lookup(flag))
	}
	return configPath
}

func setup(v *viper.Viper, configPath string) (*model.AppConfig, *logrus.Logger, error) {
	cfg, err := model.LoadConfigWith(v, configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func openStore(ctx context.Context, cfg model.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case model.DriverMongo:
		return store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		return store.NewSQLiteStore(cfg.Path)
	}
}

func serveCmd(args []string) error {
	v := model.NewViper()
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := commonFlags(fs, v)
	fs.Bool("console", false, "print messages to stdout instead of sending them to Telegram")
	fs.Int64("as", 0, "with --console, read stdin lines as messages from this member id")
	fs.Bool("http", false, "enable the HTTP API")
	fs.String("http-addr", "", "HTTP API listen address")
	_ = v.BindPFlag("http.enabled", fs.Lookup("http"))
	_ = v.BindPFlag("http.addr", fs.Lookup("http-addr"))
	if err := fs.Parse(args); err != nil {
		return err
	}
	if console, _ := fs.GetBool("console"); console {
		v.Set("gateway.kind", model.GatewayConsole)
	}

	cfg, log, err := setup(v, *configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	repo := store.NewRepository(st)

	var (
		gw      gateway.Gateway
		updates bot.UpdateSource
	)
	switch cfg.Gateway.Kind {
	case model.GatewayConsole:
		gw = gateway.NewConsole(os.Stdout, log)
	default:
		token, err := credential.TelegramToken()
		if err != nil {
			return fmt.Errorf("%w: set %s or run \"taskbot set-token\"", err, credential.TelegramTokenEnv)
		}
		client := telegram.NewClient(cfg.Telegram.APIURL, token)
		me, err := client.GetMe(ctx)
		if err != nil {
			return fmt.Errorf("checking bot token: %w", err)
		}
		log.WithField("bot", me.Username).Info("connected to telegram")

		gw = gateway.NewBreaker(
			gateway.NewTelegram(client, log),
			cfg.Gateway.BreakerMaxFailures,
			time.Duration(cfg.Gateway.BreakerTimeoutSec)*time.Second,
			log,
		)
		updates = client
	}

	ttl := time.Duration(cfg.Reservation.SessionTTLSec) * time.Second
	led := ledger.New(repo, log)
	svc := service.New(repo, led, gw, log, nil)
	wf := reservation.New(repo, log, reservation.Options{
		Projects:             cfg.Projects,
		SessionTTL:           ttl,
		DefaultEstimatedDays: cfg.Reservation.DefaultEstimatedDays,
	})
	sched := scheduler.New(repo, gw, log, scheduler.Options{
		Interval:     time.Duration(cfg.Scheduler.IntervalSec) * time.Second,
		InitialDelay: time.Duration(cfg.Scheduler.InitialDelaySec) * time.Second,
	})
	router := bot.NewRouter(svc, wf, gw, cfg, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		wf.RunJanitor(gctx, ttl/2)
		return nil
	})
	if updates != nil {
		listener := bot.NewListener(updates, router, cfg.Telegram.PollTimeoutSec, log)
		g.Go(func() error { return listener.Run(gctx) })
	} else if as, _ := fs.GetInt64("as"); as != 0 {
		go readConsole(gctx, os.Stdin, router, as)
	}
	if cfg.HTTP.Enabled {
		srv := httpapi.NewServer(sched, wf, svc, log)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTP.Addr) })
	}

	log.WithFields(logrus.Fields{
		"driver":  cfg.Database.Driver,
		"gateway": cfg.Gateway.Kind,
		"http":    cfg.HTTP.Enabled,
	}).Info("taskbot running")

	err = g.Wait()
	log.Info("taskbot stopped")
	return err
}

// readConsole feeds stdin lines to the router as messages from userID.
func readConsole(ctx context.Context, r io.Reader, router *bot.Router, userID int64) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		router.Handle(ctx, bot.Incoming{ChatID: userID, UserID: userID, Text: text})
	}
}

func importCmd(args []string) error {
	v := model.NewViper()
	fs := pflag.NewFlagSet("import", pflag.ContinueOnError)
	configPath := commonFlags(fs, v)
	project := fs.String("default-project", "", "project credited with legacy scalar points")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: taskbot import <dir>")
	}

	cfg, log, err := setup(v, *configPath)
	if err != nil {
		return err
	}
	if *project == "" {
		*project = cfg.DefaultProject()
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	sum, err := legacy.Import(ctx, store.NewRepository(st), fs.Arg(0), *project, log)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d users, %d tasks, %d events.\n", sum.Users, sum.Tasks, sum.Events)
	return nil
}

func setTokenCmd(args []string) error {
	fs := pflag.NewFlagSet("set-token", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var token string
	if fs.NArg() > 0 {
		token = fs.Arg(0)
	} else {
		fmt.Fprint(os.Stderr, "Telegram bot token: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading token: %w", err)
		}
		token = line
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty token")
	}

	if err := credential.Set(credential.TelegramTokenKey, token); err != nil {
		return err
	}
	fmt.Println("Token stored.")
	return nil
}
