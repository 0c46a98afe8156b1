// Command sweep runs one reconciliation sweep and exits.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/tiersync/internal/pkg/bootstrap"
	"github.com/ManuelReschke/tiersync/internal/pkg/config"
	"github.com/ManuelReschke/tiersync/internal/pkg/env"
	"github.com/ManuelReschke/tiersync/internal/pkg/sweep"
)

func main() {
	at := flag.String("now", "", "evaluate the sweep at this RFC3339 instant instead of the current time")
	flag.Parse()

	os.Exit(run(*at))
}

// run returns 0 on success, 1 on error, 2 when another sweep holds the lock
// and 3 when some rows failed.
func run(at string) int {
	env.SetupEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Error(err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.Error(err)
		return 1
	}
	defer svc.Close()

	var sum sweep.Summary
	if at != "" {
		now, perr := time.Parse(time.RFC3339, at)
		if perr != nil {
			log.Errorf("invalid -now: %v", perr)
			return 1
		}
		sum, err = svc.Sweeper.Run(ctx, now.UTC())
	} else {
		sum, err = svc.Scheduler.RunOnce(ctx)
	}
	if errors.Is(err, sweep.ErrRunInProgress) {
		log.Warn("[Sweep] another sweep holds the run lock")
		return 2
	}
	if err != nil {
		log.Errorf("[Sweep] run failed: %v", err)
		return 1
	}

	out, _ := json.Marshal(sum)
	log.Infof("[Sweep] %s", out)
	if sum.Failures > 0 {
		return 3
	}
	return 0
}
