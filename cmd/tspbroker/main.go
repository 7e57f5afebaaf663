package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/server"
)

const usage = `tspbroker: a scriptable TSP broker for testing gogoc.

Usage:
  tspbroker [options] [--user=<cred>]... [--redirect=<broker>]... [--unsupported=<version>]...
  tspbroker -h | --help

Options:
  --listen=<addr>          TCP and UDP listen address [default: 0.0.0.0:3653].
  --capability=<line>      Capability line to offer.
  --user=<cred>            Accepted user, as name:password.
  --redirect=<broker>      Redirect every client to this broker.
  --unsupported=<version>  Refuse this protocol version.
  --busy                   Answer every client with 530.
  -v --verbose             Enable debug logging.
  -h --help                Show this screen.
`

func main() {
	arguments, err := docopt.ParseDoc(usage)
	if err != nil {
		log.Fatal(err)
	}
	if v, _ := arguments.Bool("--verbose"); v {
		log.SetLevel(log.DebugLevel)
	}

	cfg := server.Config{
		Users:       map[string]string{},
		Redirect:    stringList(arguments["--redirect"]),
		Unsupported: stringList(arguments["--unsupported"]),
		OnEvent: func(e server.Event) {
			log.WithFields(log.Fields{"peer": e.Peer, "detail": e.Detail}).Info(e.Stage)
		},
	}
	cfg.Capability, _ = arguments.String("--capability")
	cfg.Busy, _ = arguments.Bool("--busy")
	for _, cred := range stringList(arguments["--user"]) {
		name, password, ok := strings.Cut(cred, ":")
		if !ok {
			log.WithField("user", cred).Fatal("user must be name:password")
		}
		cfg.Users[name] = password
	}

	srv := server.New(cfg)
	addr, _ := arguments.String("--listen")
	if err := srv.Listen(addr); err != nil {
		log.WithError(err).Fatal("cannot listen")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("broker error")
		os.Exit(1)
	}
}

func stringList(v interface{}) []string {
	list, _ := v.([]string)
	return list
}
