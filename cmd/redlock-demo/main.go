// Command redlock-demo runs the booking scenarios against a lock quorum:
// a lookup stampede on one airport and a race of many users for one seat.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bobg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-redlock/v1/booking"
	"github.com/mirkobrombin/go-redlock/v1/cache"
	"github.com/mirkobrombin/go-redlock/v1/core"
	"github.com/mirkobrombin/go-redlock/v1/lock"
	"github.com/mirkobrombin/go-redlock/v1/metrics"
	"github.com/mirkobrombin/go-redlock/v1/presets"
)

type config struct {
	endpoints   string
	password    string
	inMemory    int
	offline     int
	natsURL     string
	dbPath      string
	users       int
	lookups     int
	lockTTL     time.Duration
	retryCount  int
	retryDelay  time.Duration
	retryJitter time.Duration
	drift       float64
	nodeTimeout time.Duration
	extension   time.Duration
	prefix      string
	breaker     int
	codec       string
	local       string
	localTTL    time.Duration
	metricsAddr string
	trace       bool
	verbose     bool
}

func parseFlags() config {
	var c config
	flag.StringVar(&c.endpoints, "endpoints", "localhost:6379,localhost:6380,localhost:6381", "Comma-separated Redis nodes")
	flag.StringVar(&c.password, "password", "", "Redis password")
	flag.IntVar(&c.inMemory, "inmemory", 0, "Use this many in-memory nodes instead of Redis")
	flag.IntVar(&c.offline, "offline", 0, "Take this many in-memory nodes offline")
	flag.StringVar(&c.natsURL, "nats", "", "NATS URL for release notifications")
	flag.StringVar(&c.dbPath, "db", "", "SQLite database for airports and seats (in-memory repositories when empty)")
	flag.IntVar(&c.users, "users", 20, "Users racing for the same seat")
	flag.IntVar(&c.lookups, "lookups", 100, "Concurrent lookups of the same airport")
	flag.DurationVar(&c.lockTTL, "lock-ttl", core.DefaultLockTTL, "Lock TTL for cache fills and seat changes")
	flag.IntVar(&c.retryCount, "retry-count", 50, "Additional acquisition rounds (-1 until cancelled)")
	flag.DurationVar(&c.retryDelay, "retry-delay", 20*time.Millisecond, "Base delay between rounds")
	flag.DurationVar(&c.retryJitter, "retry-jitter", 20*time.Millisecond, "Random extra delay between rounds")
	flag.Float64Var(&c.drift, "drift", lock.DefaultDriftFactor, "Clock drift factor")
	flag.DurationVar(&c.nodeTimeout, "node-timeout", lock.DefaultNodeTimeout, "Timeout of a single node call")
	flag.DurationVar(&c.extension, "extension-threshold", lock.DefaultAutomaticExtensionThreshold, "Remaining validity that triggers an extension")
	flag.StringVar(&c.prefix, "prefix", lock.DefaultKeyPrefix, "Lock key prefix")
	flag.IntVar(&c.breaker, "breaker", 0, "Consecutive failures that open a node breaker (0 disables)")
	flag.StringVar(&c.codec, "codec", "json", "Cache value encoding: json or gob")
	flag.StringVar(&c.local, "local", "", "Process-local cache tier: memory, ristretto or empty for none")
	flag.DurationVar(&c.localTTL, "local-ttl", cache.DefaultLocalTTL, "Lifetime cap of local cache copies")
	flag.StringVar(&c.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address and keep running")
	flag.BoolVar(&c.trace, "trace", false, "Print spans to stdout")
	flag.BoolVar(&c.verbose, "v", false, "Debug logging")
	flag.Parse()
	return c
}

func (c config) lockOptions() lock.Options {
	return lock.Options{
		DriftFactor:                 c.drift,
		RetryCount:                  c.retryCount,
		RetryDelay:                  c.retryDelay,
		RetryJitter:                 c.retryJitter,
		AutomaticExtensionThreshold: c.extension,
		NodeTimeout:                 c.nodeTimeout,
		KeyPrefix:                   c.prefix,
	}
}

func main() {
	cfg := parseFlags()
	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("demo failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, log *slog.Logger) error {
	if cfg.trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return errors.Wrap(err, "creating span exporter")
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	q, err := openQuorum(cfg, log)
	if err != nil {
		return err
	}
	defer q.Close()
	log.Info("quorum ready", "nodes", q.Nodes.Len(), "quorum", q.Locks.Quorum(), "healthy", q.Nodes.Healthy(ctx))

	airports, seats, err := openRepositories(ctx, cfg)
	if err != nil {
		return err
	}

	copts := []core.Option{core.WithLockTTL(cfg.lockTTL), core.WithLogger(log)}
	if cfg.trace {
		copts = append(copts, core.WithTracing())
	}
	codec, ok := cache.ParseCodec(cfg.codec)
	if !ok {
		return errors.Newf("unknown codec %q", cfg.codec)
	}
	co := presets.CacheOptions{Codec: codec, Local: presets.LocalCache(cfg.local), LocalTTL: cfg.localTTL, Logger: log}
	airportCache, err := presets.NewCachedCoordinator[booking.Airport](q, co, copts...)
	if err != nil {
		return err
	}
	// Seat reads must see every reservation, so seats skip the local tier.
	seatCache, err := presets.NewCachedCoordinator[booking.Seat](q, presets.CacheOptions{Codec: codec, Logger: log}, copts...)
	if err != nil {
		return err
	}
	airportSvc := booking.NewAirportService(airports, airportCache)
	seatSvc := booking.NewSeatService(seats, presets.NewMutex(q, copts...), seatCache, booking.WithLogger(log))

	if err := airportStampede(ctx, airportSvc, cfg.lookups, log); err != nil {
		return err
	}
	if err := seatRace(ctx, seatSvc, cfg.users, log); err != nil {
		return err
	}

	if cfg.metricsAddr == "" {
		return nil
	}
	srv := &http.Server{Addr: cfg.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	log.Info("serving metrics", "addr", cfg.metricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serving metrics")
	}
	return nil
}

func openQuorum(cfg config, log *slog.Logger) (*presets.Quorum, error) {
	if cfg.inMemory > 0 {
		lopts := []lock.Option{lock.WithOptions(cfg.lockOptions()), lock.WithLogger(log)}
		if cfg.trace {
			lopts = append(lopts, lock.WithTracing())
		}
		q, nodes, err := presets.NewInMemoryQuorum(cfg.inMemory, lopts...)
		if err != nil {
			return nil, err
		}
		for i := 0; i < cfg.offline && i < len(nodes); i++ {
			nodes[len(nodes)-1-i].SetAvailable(false)
		}
		return q, nil
	}
	return presets.NewRedisQuorum(presets.RedisQuorumOptions{
		Endpoints:        strings.Split(cfg.endpoints, ","),
		Password:         cfg.password,
		Lock:             cfg.lockOptions(),
		BreakerThreshold: cfg.breaker,
		BreakerCooldown:  time.Second,
		NATSURL:          cfg.natsURL,
		Logger:           log,
		Tracing:          cfg.trace,
	})
}

const (
	demoFlight = "VN123"
	demoSeat   = "12A"
)

var demoAirport = booking.Airport{
	Code:         "SGN",
	OfficialName: "Tan Son Nhat International Airport",
	CommonName:   "Tan Son Nhat",
	CityName:     "Ho Chi Minh City",
	CountryName:  "Vietnam",
}

func openRepositories(ctx context.Context, cfg config) (booking.AirportRepository, booking.SeatRepository, error) {
	seat, err := booking.NewSeat(demoFlight, 12, "A", booking.Economy)
	if err != nil {
		return nil, nil, err
	}
	if cfg.dbPath == "" {
		return booking.NewInMemoryAirports(demoAirport), booking.NewInMemorySeats(seat), nil
	}

	db, err := gorm.Open(sqlite.Open(cfg.dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", cfg.dbPath)
	}
	airports, err := booking.NewGormAirports(db)
	if err != nil {
		return nil, nil, err
	}
	seats, err := booking.NewGormSeats(db)
	if err != nil {
		return nil, nil, err
	}
	if err := airports.Save(ctx, demoAirport); err != nil {
		return nil, nil, err
	}
	if err := seats.Save(ctx, seat); err != nil {
		return nil, nil, err
	}
	return airports, seats, nil
}

func airportStampede(ctx context.Context, svc *booking.AirportService, n int, log *slog.Logger) error {
	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	start := time.Now()
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.GetByCode(ctx, demoAirport.Code); err != nil {
				failed.Add(1)
				log.Warn("airport lookup failed", "error", err)
			}
		}()
	}
	wg.Wait()
	log.Info("airport stampede done", "lookups", n, "failed", failed.Load(), "elapsed", time.Since(start))
	if failed.Load() == int32(n) {
		return errors.New("every airport lookup failed")
	}
	return nil
}

func seatRace(ctx context.Context, svc *booking.SeatService, n int, log *slog.Logger) error {
	var (
		wg      sync.WaitGroup
		winner  atomic.Value
		taken   atomic.Int32
		errored atomic.Int32
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user := "user-" + strconv.Itoa(i+1)
			_, err := svc.Reserve(ctx, demoFlight, demoSeat, user)
			switch {
			case err == nil:
				winner.Store(user)
			case errors.Is(err, booking.ErrSeatUnavailable):
				taken.Add(1)
			default:
				errored.Add(1)
				log.Warn("reservation failed", "user", user, "error", err)
			}
		}()
	}
	wg.Wait()

	seat, err := svc.Get(ctx, demoFlight, demoSeat)
	if err != nil {
		return err
	}
	log.Info("seat race done", "users", n, "winner", winner.Load(), "already_taken", taken.Load(), "errors", errored.Load(),
		"status", seat.Status, "reserved_by", seat.ReservedBy)
	if seat.Status == booking.SeatReserved && winner.Load() != nil && seat.ReservedBy != winner.Load() {
		return errors.New("persisted holder differs from the reported winner")
	}
	return nil
}
