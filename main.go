// qrshare, ephemeral QR paired file sharing.
// License AGPL3

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/units"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/qrshare/internal/coordinator"
	"github.com/knadh/qrshare/internal/hub"
	"github.com/knadh/qrshare/internal/session"
	"github.com/knadh/qrshare/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

var (
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006/01/02 15:04:05"}).
		With().Timestamp().Caller().Logger()
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// appConfig represents the "app" configuration section.
type appConfig struct {
	Address  string `koanf:"address"`
	RootURL  string `koanf:"root_url"`
	Storage  string `koanf:"storage"`
	LogLevel string `koanf:"log_level"`

	// New sessions allowed per minute. 0 disables the limit.
	SessionRateLimit int `koanf:"session_rate_limit"`
}

// App is the global app context that's passed around.
type App struct {
	cfg      appConfig
	wsCfg    *hub.Config
	qrConfig qrConfig

	coord *coordinator.Coordinator
	reg   *session.Registry
	hub   *hub.Hub

	sessionLimiter *rate.Limiter

	logger       zerolog.Logger
	localAddress string
}

func loadConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order. The embedded defaults are always loaded first.")
	f.Bool("new-config", false, "generate sample config file")
	f.Bool("version", false, "Show build version")
	f.String("app.address", "", "address to listen on (overrides config)")
	f.String("app.storage", "", "file store backend: memory|fs|redis (overrides config)")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Generate new config.
	if ok, _ := f.GetBool("new-config"); ok {
		if err := newConfigFile(); err != nil {
			logger.Error().Err(err).Msg("error generating config")
			os.Exit(1)
		}
		logger.Info().Msg("generated config.toml. Edit and run the app.")
		os.Exit(0)
	}

	// Load the embedded defaults.
	if err := ko.Load(rawbytes.Provider([]byte(sampleConfig)), toml.Parser()); err != nil {
		logger.Fatal().Err(err).Msg("error loading default configuration")
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		if _, err := os.Stat(f); len(cFiles) == 1 && f == "config.toml" && os.IsNotExist(err) {
			continue
		}
		logger.Info().Str("file", f).Msg("reading config")
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			if os.IsNotExist(err) {
				logger.Fatal().Msg("config file not found. If there isn't one yet, run --new-config to generate one.")
			}
			logger.Fatal().Err(err).Msg("error loading config from file")
		}
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("QRSHARE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "QRSHARE_")), "__", ".", -1)
	}), nil); err != nil {
		logger.Error().Err(err).Msg("error loading env config")
	}

	// Merge command line flags into config.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// loadSections unmarshals and validates the config sections the core needs.
func loadSections() (appConfig, session.Config, hub.Config, qrConfig, error) {
	var (
		app  appConfig
		sess session.Config
		ws   hub.Config
		qr   qrConfig
		errs error
	)
	for name, dst := range map[string]interface{}{"app": &app, "session": &sess, "ws": &ws, "qr": &qr} {
		if err := ko.Unmarshal(name, dst); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "error unmarshalling '%s' config", name))
		}
	}
	if errs != nil {
		return app, sess, ws, qr, errs
	}

	if ws.MaxMessageSize != "" {
		n, err := units.ParseBase2Bytes(ws.MaxMessageSize)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "invalid ws.max_message_size"))
		}
		ws.ReadLimit = int64(n)
	}
	if ws.WSTimeout < time.Second {
		errs = multierror.Append(errs, errors.New("ws.timeout should be >= 1s"))
	}
	if sess.SweepInterval < 100*time.Millisecond {
		errs = multierror.Append(errs, errors.New("session.sweep_interval should be >= 100ms"))
	}
	switch sess.BroadcastUploads {
	case coordinator.ScopeSession, coordinator.ScopeGlobal:
	default:
		errs = multierror.Append(errs, errors.Errorf("session.broadcast_uploads must be one of %s|%s",
			coordinator.ScopeSession, coordinator.ScopeGlobal))
	}
	return app, sess, ws, qr, errs
}

func main() {
	// Load configuration from files.
	loadConfig()

	appCfg, sessCfg, wsCfg, qrCfg, err := loadSections()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if lvl, err := zerolog.ParseLevel(appCfg.LogLevel); err == nil && appCfg.LogLevel != "" {
		logger = logger.Level(lvl)
	}

	// Begin listening.
	ln, err := net.Listen("tcp", appCfg.Address)
	if err != nil {
		logger.Fatal().Err(err).Str("address", appCfg.Address).Msg("couldn't listen")
	}

	// Initialize store.
	st, err := makeStore(appCfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create the store instance")
	}

	// Initialize global app context.
	app := newApp(appCfg, sessCfg, &wsCfg, qrCfg, st, logger)
	app.localAddress = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := session.NewSweeper(app.reg, sessCfg.SweepInterval, app.coord.Teardown, logger)
	go sweeper.Run(ctx)

	srv := http.Server{
		Handler: app.routes(),
	}

	var tcfg tlsCfg
	if err := ko.Unmarshal("tls", &tcfg); err != nil {
		logger.Fatal().Err(err).Msg("error unmarshalling 'tls' config")
	}
	var tsrv *tlsServer
	if tcfg.Enabled {
		tsrv, err = newTLSServer(tcfg, srv.Handler)
		if err != nil {
			logger.Fatal().Err(err).Msg("error initializing TLS")
		}
		sln, err := net.Listen("tcp", tsrv.srv.Addr)
		if err != nil {
			logger.Fatal().Err(err).Str("address", tsrv.srv.Addr).Msg("couldn't listen")
		}
		srv.Handler = tsrv.plain

		logger.Info().Str("address", sln.Addr().String()).Str("kind", tcfg.Kind).Msg("starting TLS server")
		go func() {
			if err := tsrv.Serve(sln); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("couldn't tls serve")
			}
		}()
	}

	logger.Info().Str("address", ln.Addr().String()).Msg("starting server")
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("couldn't serve")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	var cFiles []string
	ko.Unmarshal("config", &cFiles)
	select {
	case <-fileWatcher(cFiles...):
	case sig := <-c:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("error shutting down")
	}
	if tsrv != nil {
		if err := tsrv.srv.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("error shutting down TLS server")
		}
	}
	if err := closeStore(st); err != nil {
		logger.Error().Err(err).Msg("error closing store")
	}
}

// newApp wires the core components together.
func newApp(cfg appConfig, sessCfg session.Config, wsCfg *hub.Config, qrCfg qrConfig, st store.Store, l zerolog.Logger) *App {
	reg := session.NewRegistry(sessCfg)
	h := hub.NewHub(reg, l)

	app := &App{
		cfg:      cfg,
		wsCfg:    wsCfg,
		qrConfig: qrCfg,
		reg:      reg,
		hub:      h,
		coord:    coordinator.New(reg, h, st, sessCfg, l),
		logger:   l,
	}
	if cfg.SessionRateLimit > 0 {
		app.sessionLimiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.SessionRateLimit)),
			cfg.SessionRateLimit)
	}
	return app
}

func fileWatcher(files ...string) chan struct{} {
	out := make(chan struct{})
	if len(files) > 0 {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Error().Err(err).Msg("failed to initialize configuration file watcher")
			return out
		}
		for _, f := range files {
			if _, err := os.Stat(f); os.IsNotExist(err) {
				continue
			}
			if err := watcher.Add(f); err != nil {
				logger.Error().Err(err).Str("file", f).Msg("failed to watch configuration file")
			}
		}
		go func() {
			for {
				select {
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					logger.Info().Str("file", event.Name).Msg("configuration file was modified")
					out <- struct{}{}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					logger.Error().Err(err).Msg("watcher error")
				}
			}
		}()
	}
	return out
}
