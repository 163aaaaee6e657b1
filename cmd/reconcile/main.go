// Command reconcile repairs drift between timetable slots, attendance
// sessions, and attendance records. It previews by default; -apply makes it
// write. Runs are serialized through a Redis advisory lock, so a second
// invocation while one is in flight exits with an error instead of racing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"time"

	"campusattend/internal/config"
	"campusattend/internal/lock"
	"campusattend/internal/reconcile"
	"campusattend/internal/store"
	"campusattend/pkg/response"
)

func main() {
	var (
		dryRun   = flag.Bool("dry-run", false, "measure drift and report without writing")
		apply    = flag.Bool("apply", false, "repair drift and reinstall consistency triggers")
		override = flag.Bool("override", false, "lift the per-step safety threshold for this run")
		timeout  = flag.Duration("timeout", 5*time.Minute, "overall run deadline")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *dryRun == *apply {
		log.Error("exactly one of -dry-run or -apply is required")
		os.Exit(2)
	}
	mode := reconcile.ModePreview
	if *apply {
		mode = reconcile.ModeApply
	}

	cfg := config.Load()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	job := reconcile.NewJob(
		reconcile.NewPostgresStore(db.Client),
		lock.New(redisClient.Client),
		cfg.ReconcileLockTTL,
		int64(cfg.ReconcileSafetyThreshold),
		log,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := job.Run(ctx, mode, *override)
	if err != nil {
		log.Error("reconcile run failed", "mode", mode, "error", err)
		if errors.Is(err, response.ErrSafetyAborted) {
			log.Info("rerun with -override to lift the safety threshold")
		}
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	os.Stdout.Write(append(out, '\n'))
}
