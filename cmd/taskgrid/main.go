package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskgrid/taskgrid/internal/broker/memory"
	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/resultstore"
	"github.com/taskgrid/taskgrid/internal/saga"
	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/worker"
	"github.com/taskgrid/taskgrid/internal/workflow"
)

var (
	version  = flag.Bool("version", false, "Print version and exit")
	debug    = flag.Bool("debug", false, "Enable debug logging")
	logFile  = flag.String("log-file", "", "Write logs to this file with rotation instead of stderr")
	nWorkers = flag.Int("workers", 4, "Number of worker slots")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Println("taskgrid v0.1.0")
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	var logOut io.Writer = os.Stderr
	if *logFile != "" {
		logOut = &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}

	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting taskgrid demo",
		"version", "0.1.0",
		"debug", *debug,
		"workers", *nWorkers,
	)

	codec, err := task.NewCBORCodec()
	if err != nil {
		log.Fatalf("failed to build codec: %v", err)
	}

	registry := task.NewRegistry()
	if err := registerDemoTasks(registry); err != nil {
		log.Fatalf("failed to register tasks: %v", err)
	}
	registry.Freeze()

	b := memory.NewBroker(config.DefaultBrokerConfig(), logger)
	defer b.Close()

	store := resultstore.NewMemoryStore(config.DefaultStoreConfig(), logger)
	defer store.Close()

	workerCfg := config.DefaultWorkerConfig()
	workerCfg.Concurrency = *nWorkers
	pool := worker.NewWorker(workerCfg, b, registry, store, codec, logger)
	pool.Start()
	defer pool.Stop()

	dispatcher := workflow.NewDispatcher(b, store, registry, codec, logger, config.DefaultResultTTL)
	composer := workflow.NewComposer(dispatcher, logger)
	sagas := saga.NewCoordinator(composer, store, logger, config.DefaultResultTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := runDemo(ctx, logger, composer, sagas); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("demo failed", "error", err)
		os.Exit(1)
	}
	logger.Info("demo finished")
}

// registerDemoTasks wires a handful of sample handlers
func registerDemoTasks(registry *task.Registry) error {
	policy := task.DefaultPolicy()

	add := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		pos := task.Args(args)
		a, err := pos.Float64(0)
		if err != nil {
			return nil, task.Permanent(err)
		}
		b, err := pos.Float64(1)
		if err != nil {
			return nil, task.Permanent(err)
		}
		return a + b, nil
	}

	sum := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		values, ok := args[len(args)-1].([]any)
		if !ok {
			return nil, task.Permanent(fmt.Errorf("expected a result sequence, got %T", args[len(args)-1]))
		}
		total := 0.0
		for i := range values {
			v, err := task.Args(values).Float64(i)
			if err != nil {
				return nil, task.Permanent(err)
			}
			total += v
		}
		return total, nil
	}

	reserve := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		qty, err := task.Kwargs(kwargs).Int("qty")
		if err != nil {
			return nil, task.Permanent(err)
		}
		task.ReportProgress(ctx, map[string]any{"stage": "reserving", "qty": qty})
		return "reservation-1", nil
	}
	release := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return "released", nil
	}
	charge := func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, task.Permanent(fmt.Errorf("card declined"))
	}

	for name, h := range map[string]task.Handler{
		"demo.add":          add,
		"demo.sum":          sum,
		"inventory.reserve": reserve,
		"inventory.release": release,
		"payment.charge":    charge,
	} {
		if err := registry.Register(name, h, policy); err != nil {
			return err
		}
	}
	return nil
}

// runDemo exercises a chain, a chord and a compensating saga
func runDemo(ctx context.Context, logger *slog.Logger, composer *workflow.Composer, sagas *saga.Coordinator) error {
	demoCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Chain: add(1,2) then add(result, 10) -> 13
	chain := workflow.Chain(
		workflow.Task(task.NewSignature("demo.add", 1, 2)),
		workflow.Task(task.NewSignature("demo.add", 10)),
	)
	an, err := composer.Dispatch(demoCtx, chain)
	if err != nil {
		return err
	}
	res, err := an.Await(demoCtx)
	if err != nil {
		return err
	}
	logger.Info("chain result", "state", res.State, "value", res.Value)

	// Chord: three adds in parallel, summed by the callback
	chord := workflow.Chord(
		task.NewSignature("demo.sum"),
		workflow.Task(task.NewSignature("demo.add", 1, 1)),
		workflow.Task(task.NewSignature("demo.add", 2, 2)),
		workflow.Task(task.NewSignature("demo.add", 3, 3)),
	)
	an, err = composer.Dispatch(demoCtx, chord)
	if err != nil {
		return err
	}
	res, err = an.Await(demoCtx)
	if err != nil {
		return err
	}
	logger.Info("chord result", "state", res.State, "value", res.Value)

	// Saga: reserve succeeds, charge fails, reserve is released
	s, err := sagas.Execute(demoCtx, []saga.Step{
		{
			Action:       task.NewSignature("inventory.reserve", "sku-42").WithKwarg("qty", 2),
			Compensation: task.NewSignature("inventory.release", "sku-42"),
		},
		{
			Action: task.NewSignature("payment.charge", "sku-42", 999),
		},
	})
	if err != nil {
		return err
	}
	logger.Info("saga result",
		"saga_id", s.ID,
		"state", s.State(),
		"step_statuses", s.StepStatuses(),
	)

	return nil
}
