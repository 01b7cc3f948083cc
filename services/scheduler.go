// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartSweepScheduler runs the background janitor for the ephemeral
// store: expired runs, challenges and batches are dropped once a minute.
// This only reclaims memory; validity is always re-checked against the
// clock at point of use, so correctness never depends on sweep cadence.
func StartSweepScheduler(kv KV) {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if removed := kv.Sweep(ctx); removed > 0 {
				log.Printf("🧹 [SWEEP] Dropped %d expired ephemeral entries", removed)
			}
		}),
	)
}
