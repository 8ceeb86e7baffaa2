package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wanghaoxu001/DailyDigest-sub000/internal/cli"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/httpapi"
	"github.com/wanghaoxu001/DailyDigest-sub000/internal/scheduler"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	noScheduler := fs.Bool("no-scheduler", false, "Serve the API without running periodic jobs")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	cfg, logger, pool, err := bootstrap(10*time.Second, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer pool.Close()

	svc, err := newServices(cfg, pool, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to wire services: %v\n", err)
		return 1
	}

	jobs, err := scheduler.LoadJobs(cfg.SchedulerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load scheduler config: %v\n", err)
		return 1
	}
	jobs.EventGroups.WindowHours = cfg.SimilarityWindowHours
	jobs.EventGroups.RetentionDays = cfg.SimilarityRetentionDays
	jobs.TaskCleanup.RetentionDays = cfg.TaskRetentionDays

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
	}()

	// Rows left running by a previous process would hold their locks forever.
	recovered, err := svc.tasks.ForceCompleteRunning(ctx, "process restart")
	if err != nil {
		logger.Warn().Err(err).Msg("failed to release stale task locks")
	} else if recovered > 0 {
		logger.Warn().Int("count", recovered).Msg("released task locks left by a previous process")
	}

	sched := scheduler.New(svc.tasks, logger.With().Str("component", "scheduler").Logger())
	if err := scheduler.Register(sched, jobs, svc.similarity, svc.cache, svc.tasks, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register jobs: %v\n", err)
		return 1
	}
	if !*noScheduler {
		sched.Start(ctx)
	}

	srv := httpapi.NewServer(httpapi.Dependencies{
		DB:         pool,
		Similarity: svc.similarity,
		Cache:      svc.cache,
		Jobs:       sched,
		Duplicates: svc.duplicates,
		Tasks:      svc.tasks,
	}, logger, httpapi.Options{
		Host:            *host,
		Port:            *port,
		ReadTimeout:     *readTimeout,
		WriteTimeout:    *writeTimeout,
		ShutdownTimeout: *shutdownTimeout,
		AllowOrigins:    cfg.CORSAllowedOriginsList(),
	})

	serveErr := srv.Start(ctx)
	cancel()
	sched.Wait()
	svc.duplicates.Wait()

	if serveErr != nil {
		logger.Error().Err(serveErr).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", serveErr)
		return 1
	}
	return 0
}
