package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/auth"
	"gogoc-tsp/internal/broker"
	"gogoc-tsp/internal/client"
	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/netutil"
	"gogoc-tsp/internal/session"
	"gogoc-tsp/internal/status"
)

// set by the linker
var version = "local-build"

func main() {
	os.Exit(run())
}

func run() int {
	usage := fmt.Sprintf(`gogoc %s

Usage:
  gogoc [options]
  gogoc -h | --help
  gogoc --version

Options:
  -f <conf>      Configuration file [default: gogoc.conf].
  -b             Boot mode: give up instead of retrying when the broker cannot be reached.
  -n             Never ask questions, accept unknown broker keys.
  -v --verbose   Enable debug logging.
  --trace        Enable trace logging.
  -h --help      Show this screen.
  --version      Show the version.
`, version)

	arguments, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		log.WithError(err).Error("bad command line")
		return int(status.InvalidCfgFile)
	}

	path, _ := arguments.String("-f")
	cfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).Error("cannot load configuration")
		return int(status.InvalidCfgFile)
	}
	if b, _ := arguments.Bool("-b"); b {
		cfg.BootMode = true
	}
	if b, _ := arguments.Bool("-n"); b {
		cfg.NoQuestions = true
	}

	verbose, _ := arguments.Bool("--verbose")
	trace, _ := arguments.Bool("--trace")
	closeLog, err := setupLogging(cfg, verbose, trace)
	if err != nil {
		log.WithError(err).Error("cannot open log file")
		return int(status.FailLogInit)
	}
	defer closeLog()

	if st := cfg.Validate(); !st.Success() {
		log.WithField("status", st).Error("invalid configuration")
		return int(st.Number())
	}
	if !netutil.IsAdmin() {
		log.Warn("not running with administrator privileges, interface setup will likely fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := broker.NewStore(cfg)
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	loop, err := client.New(cfg,
		client.WithStore(store),
		client.WithSessionOptions(session.WithKeyFile(&auth.KeyFile{Path: cfg.Path(cfg.KeyFile)}, auth.StdinPrompter{})),
		client.WithStatusCallback(func(r client.Report) {
			log.WithFields(log.Fields{
				"attempt": r.Attempt,
				"status":  r.Status,
				"action":  r.Decision.Action,
			}).Debug("attempt report")
		}),
	)
	if err != nil {
		log.WithError(err).Error("cannot start")
		return int(status.InvalidCfgFile)
	}

	log.WithFields(log.Fields{"server": cfg.Server, "mode": cfg.TunnelMode, "version": version}).Info("gogoc starting")
	st := loop.Run(ctx)
	log.WithField("status", st).Info("gogoc stopped")
	return int(st.Number())
}

// setupLogging maps log_level 0..3 to warn, info, debug and trace. The
// command line flags win over the file.
func setupLogging(cfg *config.Config, verbose, trace bool) (func(), error) {
	levels := []log.Level{log.WarnLevel, log.InfoLevel, log.DebugLevel, log.TraceLevel}
	level := log.InfoLevel
	if cfg.LogLevel >= 0 && cfg.LogLevel < len(levels) {
		level = levels[cfg.LogLevel]
	}
	if verbose {
		level = log.DebugLevel
	}
	if trace {
		level = log.TraceLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.LogFile == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(f)
	return func() { f.Close() }, nil
}
