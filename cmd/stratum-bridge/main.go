// Package main is the entry point for the Kaspa Stratum bridge. It
// loads configuration, wires every collaborator (node RPC, template
// source, job registries, vardiff, share validation, storage), and runs
// the bridge until a shutdown signal arrives.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kaspa-stratum/bridge/internal/config"
	"github.com/kaspa-stratum/bridge/internal/dashboard"
	"github.com/kaspa-stratum/bridge/internal/extranonce"
	"github.com/kaspa-stratum/bridge/internal/job"
	"github.com/kaspa-stratum/bridge/internal/kaspahash"
	"github.com/kaspa-stratum/bridge/internal/metrics"
	"github.com/kaspa-stratum/bridge/internal/minerfamily"
	"github.com/kaspa-stratum/bridge/internal/noderpc"
	"github.com/kaspa-stratum/bridge/internal/session"
	"github.com/kaspa-stratum/bridge/internal/share"
	"github.com/kaspa-stratum/bridge/internal/storage"
	"github.com/kaspa-stratum/bridge/internal/submission"
	"github.com/kaspa-stratum/bridge/internal/supervisor"
	"github.com/kaspa-stratum/bridge/internal/template"
	"github.com/kaspa-stratum/bridge/internal/vardiff"
)

const (
	exitOK            = 0
	exitConfigError   = 2
	exitStartupError  = 3
	exitInterrupted   = 130
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "0.1.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitConfigError)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer logger.Sync()

	logger.Info("starting kaspa stratum bridge", zap.String("version", version), zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	code := run(ctx, cancel, cfg, logger)
	os.Exit(code)
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger *zap.Logger) int {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	nodeClient := noderpc.NewHTTPClient(cfg.Node.URL, cfg.Node.RequestTimeout)

	probeCtx, probeCancel := context.WithTimeout(ctx, cfg.Node.RequestTimeout)
	_, err := nodeClient.GetBlockTemplate(probeCtx, cfg.Node.PayAddress)
	probeCancel()
	if err != nil {
		logger.Error("kaspa node unreachable at startup", zap.Error(err))
		return exitStartupError
	}

	templateSource := template.NewSource(nodeClient, cfg.Node.PayAddress, cfg.Mining.CoinbaseTag, logger)
	go func() {
		if err := templateSource.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("template source exited", zap.Error(err))
		}
	}()

	var redisClient *storage.RedisClient
	var dedup share.DistributedDedup
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = storage.NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to Redis", zap.Error(err))
			return exitStartupError
		}
		defer redisClient.Close()
		dedup = redisClient
	}

	var pgClient *storage.PostgresClient
	var ledger submission.Ledger
	if cfg.Postgres.Enabled {
		var err error
		pgClient, err = storage.NewPostgresClient(ctx, cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", zap.Error(err))
			return exitStartupError
		}
		defer pgClient.Close()
		ledger = pgClient
	}

	hasher := kaspahash.NewBlakeHasher()
	tracker := submission.NewTracker(nodeClient, ledger, m, logger)

	recorder := &shareRecorder{metrics: m, tracker: tracker}

	vdConfig := vardiff.Config{
		TargetSharesPerMinute: cfg.Mining.SharesPerMinuteTarget,
		RetargetInterval:      cfg.Mining.RetargetInterval,
		MinDifficulty:         cfg.Mining.MinShareDifficulty,
		MaxDifficulty:         cfg.Mining.MaxShareDifficulty,
		PowerOfTwo:            cfg.Mining.PowerOfTwoClamp,
		ColdStartGuard:        cfg.Mining.ColdStartGuard,
		HysteresisPct:         cfg.Mining.HysteresisPercent,
	}

	var tlsConfig *tls.Config
	if cfg.Server.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			logger.Error("failed to load TLS certificate", zap.Error(err))
			return exitStartupError
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	instances := make([]*supervisor.Instance, 0, len(cfg.Server.StratumPorts))
	registries := make([]*job.Registry, 0, len(cfg.Server.StratumPorts))

	for _, port := range cfg.Server.StratumPorts {
		instanceLabel := strconv.Itoa(port)

		registry := job.NewRegistryWithRetention(cfg.Mining.JobRetentionCount, cfg.Mining.JobRetentionSeconds)
		registries = append(registries, registry)

		validator, err := share.NewValidator(registry, hasher, dedup)
		if err != nil {
			logger.Error("failed to build share validator", zap.Error(err))
			return exitStartupError
		}

		deps := session.Deps{
			Jobs:      registry,
			Allocator: extranonce.New(),
			VarDiff:   vdConfig,
			Validator: validator,
			Recorder:  recorder,
			Timeouts:  session.DefaultTimeouts(),
			Logger:    logger,
			Metrics:   m,
			Instance:  instanceLabel,
		}

		instances = append(instances, supervisor.NewInstance(supervisor.Config{
			Port:           port,
			MaxConnections: cfg.Server.MaxConnections,
			DrainWindow:    cfg.Server.DrainWindow,
			TLSConfig:      tlsConfig,
		}, deps, m, logger))
	}

	go publishTemplates(ctx, templateSource, registries, m, cfg.Mining.BlockWaitTime, logger)

	sup := supervisor.New(instances, logger)
	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supDone)
	}()

	if cfg.Server.Metrics.Enabled {
		go serveMetrics(cfg.Server.Metrics.Port, reg, logger)
	}

	if cfg.Server.Dashboard.Enabled {
		dash := dashboard.New(os.Stdout, func() dashboard.Snapshot {
			return dashboard.Snapshot{}
		}, cfg.Server.Dashboard.Interval)
		go dash.Run(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	cancel()

	select {
	case <-supDone:
		logger.Info("shutdown complete")
		return exitOK
	case <-sigChan:
		logger.Warn("second interrupt received, forcing immediate exit")
		return exitInterrupted
	}
}

// publishTemplates converts every template the source produces into a
// job on each configured instance's registry, publishing the instant a
// new template arrives rather than waiting for blockWait to elapse.
// When the node goes quiet at the same height longer than blockWait,
// the last template is republished unchanged so a miner that's caught
// up never sits idle waiting on a mining.notify that would otherwise
// only arrive on the next real height change.
func publishTemplates(ctx context.Context, src *template.Source, registries []*job.Registry, m *metrics.Metrics, blockWait time.Duration, logger *zap.Logger) {
	sub := src.Subscribe()
	defer src.Unsubscribe(sub)

	publish := func(tmpl *noderpc.Template) {
		now := time.Now()
		for _, r := range registries {
			r.Publish(tmpl.Height, tmpl.NetworkTarget, tmpl.HeaderPrePow, tmpl.CoinbaseOutputs, tmpl.Timestamp, now)
		}
		m.JobAgeSeconds.Set(0)
	}

	var current *noderpc.Template
	if tmpl, err := src.Current(); err == nil {
		current = tmpl
		publish(tmpl)
	}

	timer := time.NewTimer(blockWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tmpl, ok := <-sub:
			if !ok {
				return
			}
			current = tmpl
			publish(tmpl)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(blockWait)
		case <-timer.C:
			if current != nil {
				publish(current)
			}
			timer.Reset(blockWait)
		}
	}
}

func serveMetrics(port int, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf(":%d", port)
	logger.Info("metrics server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server error", zap.Error(err))
	}
}

// shareRecorder wires session.SubmissionRecorder to metrics and the
// async block-submission tracker.
type shareRecorder struct {
	metrics *metrics.Metrics
	tracker *submission.Tracker
}

func (r *shareRecorder) RecordShare(worker, instance string, family minerfamily.Family, result *share.Result) {
	if result.Outcome == share.Accepted {
		r.metrics.SharesAccepted.WithLabelValues(worker, instance).Inc()
		return
	}
	reason := "rejected"
	switch result.Outcome {
	case share.RejectedStale:
		reason = "stale"
	case share.RejectedDuplicate:
		reason = "duplicate"
	case share.RejectedLowDifficulty:
		reason = "low_difficulty"
	}
	r.metrics.SharesRejected.WithLabelValues(worker, reason, instance).Inc()
}

func (r *shareRecorder) RecordBlock(instance string, j *job.Job, sub share.Submission, hash []byte) {
	r.metrics.BlocksFound.WithLabelValues(instance).Inc()
	r.tracker.Submit(context.Background(), submission.Task{Job: j, Hash: hash, Nonce: sub.Nonce, Instance: instance})
}

func (r *shareRecorder) RecordDifficulty(worker string, difficulty float64) {
	r.metrics.CurrentDifficulty.WithLabelValues(worker).Set(difficulty)
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logger, nil
}
