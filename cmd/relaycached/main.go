// Command relaycached runs the caching intermediary as a standalone
// process, listening on a front-end port and forwarding cache misses
// to an origin on the loopback interface.
//
// Grounded on the teacher's main.go: flag-parsed overrides layered on
// top of a config file, a zerolog console writer, and a -vv flag for
// trace-level logging.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/relaycache/relaycache"
)

// requestIDHeader is the header a client-supplied or server-generated
// request id travels under, the way abel123code-go-users-crud-backend's
// requestIDMiddleware tags every request for later log correlation.
// hlog.RequestIDHandler generates the id with rs/xid when the client
// doesn't supply one, so a single request's LOOKUP/ELECT/FETCH/PUBLISH
// trace can be grepped out of the log by req_id.
const requestIDHeader = "X-Request-Id"

// withRequestLogging wraps next so every request carries a
// req_id-tagged child logger in its context, retrievable inside the
// handler via zerolog.Ctx.
func withRequestLogging(next http.Handler) http.Handler {
	return hlog.NewHandler(log.Logger)(
		hlog.RequestIDHandler("req_id", requestIDHeader)(next),
	)
}

func main() {
	var (
		configFile    string
		originPort    int
		listenPort    int
		storeBackend  string
		storeDSN      string
		originID      string
		verboseFlag   bool
		freshnessSecs int
	)

	flag.StringVar(&configFile, "config", "", "path to a YAML config file")
	flag.IntVar(&originPort, "origin-port", 0, "loopback port the origin listens on (overrides config)")
	flag.IntVar(&listenPort, "port", 0, "port to listen on (overrides config)")
	flag.StringVar(&storeBackend, "store", "", "cache store backend: memory, sqlite, or postgres (overrides config)")
	flag.StringVar(&storeDSN, "store-dsn", "", "data source name for the sqlite/postgres backend (overrides config)")
	flag.StringVar(&originID, "origin-id", "", "namespace prefix for cache keys (overrides config)")
	flag.IntVar(&freshnessSecs, "freshness-window", 0, "freshness window in seconds (overrides config)")
	flag.BoolVar(&verboseFlag, "vv", false, "verbosity: trace logging")
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if verboseFlag {
		logLevel = zerolog.TraceLevel
	}
	instanceID := uuid.NewString()
	log.Logger = log.Level(logLevel).
		Output(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Str("instance", instanceID).Logger()

	cfg, err := relaycache.LoadConfig(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("could not load config")
	}

	if originPort != 0 {
		cfg.OriginPort = originPort
	}
	if listenPort != 0 {
		cfg.ListenPort = listenPort
	}
	if storeBackend != "" {
		cfg.Store = storeBackend
	}
	if storeDSN != "" {
		cfg.StoreDSN = storeDSN
	}
	if originID != "" {
		cfg.OriginID = originID
	}
	if freshnessSecs != 0 {
		cfg.FreshnessWindowSeconds = freshnessSecs
	}

	if cfg.OriginPort == 0 {
		log.Fatal().Msg("origin port is required (config originPort or -origin-port)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := relaycache.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open cache store")
	}
	defer s.Close()

	cache := relaycache.New(cfg, s)

	addr := ":" + strconv.Itoa(cfg.ListenPort)
	log.Info().
		Str("addr", addr).
		Int("originPort", cfg.OriginPort).
		Str("store", cfg.Store).
		Msg("relaycached listening")

	server := &http.Server{
		Addr:         addr,
		Handler:      withRequestLogging(cache),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
