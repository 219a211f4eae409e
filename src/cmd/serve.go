package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fatih/color"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/evbridge/circulator/src/adminserver"
	"github.com/evbridge/circulator/src/circulator"
	"github.com/evbridge/circulator/src/config"
	"github.com/evbridge/circulator/src/errs"
	"github.com/evbridge/circulator/src/estimator"
	"github.com/evbridge/circulator/src/lifecycle"
	"github.com/evbridge/circulator/src/offset"
	"github.com/evbridge/circulator/src/record"
	"github.com/evbridge/circulator/src/sink"
	"github.com/evbridge/circulator/src/transform"
	"github.com/evbridge/circulator/src/worker"
	"github.com/evbridge/circulator/src/workerpool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the circulator: lifecycle managers, admin server, all configured runners",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func printBanner(cfg *config.Config) {
	banner := color.New(color.FgCyan, color.Bold)
	banner.Println("circulator")
	color.New(color.FgHiBlack).Printf("  %d runner(s) configured, admin on %s\n", len(cfg.Runners), cfg.Admin.Addr)
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func buildOffsetManager(cfg config.OffsetConfig) (offset.Manager, error) {
	switch cfg.Backend {
	case "sqlite":
		return offset.OpenSQLite(cfg.SQLitePath)
	case "postgres":
		return offset.OpenPostgres(cfg.PostgresDSN)
	default:
		return offset.NewInMemory(), nil
	}
}

func buildErrorHandler(cfg config.ErrorHandlerConfig) (errs.Handler, error) {
	switch cfg.Backend {
	case "mysql_dlq":
		return errs.OpenMySQLDeadLetter(cfg.MySQLDSN)
	default:
		return errs.DropHandler{}, nil
	}
}

func buildTransformEngine(rc config.RunnerConfig) transform.Engine {
	switch rc.TransformType {
	case "drop_every":
		return &transform.DropEvery{N: rc.DropEveryN}
	default:
		return transform.Identity{}
	}
}

func buildSink(ctx context.Context, rc config.RunnerConfig) (sink.Sink, error) {
	switch rc.SinkType {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: rc.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("runner %q: connecting to redis at %s: %w", rc.Name, rc.RedisAddr, err)
		}
		return sink.NewRedisListSink(client, rc.Target), nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(rc.S3Region))
		if err != nil {
			return nil, fmt.Errorf("runner %q: loading aws config: %w", rc.Name, err)
		}
		client := s3.NewFromConfig(awsCfg)
		return sink.NewS3BatchSink(client, rc.S3Bucket, rc.Target), nil
	default:
		return sink.NewRecorder(), nil
	}
}

func sharedFanout(cfg *config.Config) *workerpool.Executor {
	return workerpool.New(cfg.FanoutWorkers, cfg.FanoutQueueCapacity)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	setupLogging(cfg.LogLevel)
	printBanner(cfg)

	offsetMgr, err := buildOffsetManager(cfg.Offset)
	if err != nil {
		return fmt.Errorf("building offset manager: %w", err)
	}
	errorHandler, err := buildErrorHandler(cfg.Errors)
	if err != nil {
		return fmt.Errorf("building error handler: %w", err)
	}

	circ := circulator.New(circulator.Config{
		InitialCwnd:             cfg.Estimator.InitialCwnd,
		InitialSsthresh:         cfg.Estimator.InitialSsthresh,
		TargetQueueOfferTimeout: cfg.TargetQueueOfferTimeout,
	}, errorHandler)

	est := estimator.New(cfg.Estimator.CwndMin, cfg.Estimator.CwndMax)

	fanout := sharedFanout(cfg)

	for _, rc := range cfg.Runners {
		sk, err := buildSink(context.Background(), rc)
		if err != nil {
			return err
		}
		circ.PutRunner(circulator.BundleSpec{
			Runner:                record.RunnerName(rc.Name),
			EventQueueCapacity:    rc.EventQueueCapacity,
			TargetQueueCapacity:   rc.TargetQueueCapacity,
			TransformEngine:       buildTransformEngine(rc),
			Sink:                  sk,
			ExecutorWorkers:       rc.ExecutorWorkers,
			ExecutorQueueCapacity: rc.ExecutorQueueCapacity,
		})
	}

	transformMgr := lifecycle.New("transform", func(runner record.RunnerName) lifecycle.Worker {
		return worker.NewTransformWorker(worker.TransformWorkerConfig{
			Runner: runner, Context: circ, Estimator: est,
			OffsetManager: offsetMgr, ErrorHandler: errorHandler,
			Fanout: fanout, EmptyWait: cfg.WorkerEmptyWait,
		})
	}, lifecycle.Config{WorkerShutdownTimeout: cfg.WorkerShutdownTimeout})

	pushMgr := lifecycle.New("push", func(runner record.RunnerName) lifecycle.Worker {
		return worker.NewPushWorker(worker.PushWorkerConfig{
			Runner: runner, Context: circ, Estimator: est,
			OffsetManager: offsetMgr, ErrorHandler: errorHandler,
			EmptyWait: cfg.WorkerEmptyWait,
		})
	}, lifecycle.Config{WorkerShutdownTimeout: cfg.WorkerShutdownTimeout})

	for _, rc := range cfg.Runners {
		transformMgr.OnAdd(record.RunnerName(rc.Name))
		pushMgr.OnAdd(record.RunnerName(rc.Name))
	}

	admin := adminserver.New(cfg.Admin, circ)
	go func() {
		if err := admin.Start(); err != nil {
			log.Error().Err(err).Msg("admin server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown requested, stopping runners")
	for _, rc := range cfg.Runners {
		transformMgr.OnDelete(record.RunnerName(rc.Name))
		pushMgr.OnDelete(record.RunnerName(rc.Name))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return admin.Shutdown(shutdownCtx)
}
