package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/signalbrief/briefd/internal/store"
)

// Scheduler triggers the daily pipeline run. Schedule settings live in the
// database and are re-read every tick, so changes through the API apply
// without a restart. The Redis lock keeps multiple replicas from firing
// the same date; the run claim in the store is the real single-flight
// gate either way.
type Scheduler struct {
	Store    *store.Store
	Runner   Runner
	Rdb      *redis.Client
	Defaults store.ScheduleSettings
	// Cron, when set, overrides the hour/minute schedule.
	Cron   string
	Logger *log.Logger
	Stop   chan struct{}

	now func() time.Time
}

func (s *Scheduler) Start() {
	if s.now == nil {
		s.now = time.Now
	}
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	settings, err := s.Store.GetScheduleSettings(ctx, s.Defaults)
	if err != nil {
		s.logf("scheduler: read settings: %v", err)
		return
	}
	if !settings.Enabled {
		return
	}

	now := s.now()
	if !isDue(settings, s.Cron, now) {
		return
	}

	date := localDate(settings, now)
	run, ok, err := s.Store.GetRunByDate(ctx, date)
	if err != nil {
		s.logf("scheduler: read run %s: %v", date, err)
		return
	}
	// Only the first trigger of the day fires; failed runs are retried by
	// hand, not every minute.
	if ok && run.Status != store.RunStatusPending {
		return
	}

	if s.Rdb != nil {
		lockKey := "briefd:sched:lock:" + date
		locked, err := s.Rdb.SetNX(ctx, lockKey, "1", 10*time.Minute).Result()
		if err != nil {
			s.logf("scheduler: redis lock: %v", err)
			return
		}
		if !locked {
			return
		}
	}

	s.logf("scheduler: triggering run %s", date)
	go func(date string) {
		runCtx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if _, err := s.Runner.Run(runCtx, date, false); err != nil {
			s.logf("scheduler: run %s: %v", date, err)
		}
	}(date)
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// isDue reports whether the scheduled time of day has passed in the
// configured timezone. With a cron expression set, the schedule is due when
// the previous minute matched the expression.
func isDue(settings store.ScheduleSettings, cronSpec string, now time.Time) bool {
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	if cronSpec != "" {
		expr, err := cronexpr.Parse(cronSpec)
		if err == nil {
			prev := local.Add(-time.Minute).Truncate(time.Minute)
			next := expr.Next(prev)
			return !next.After(local)
		}
	}

	minutes := local.Hour()*60 + local.Minute()
	return minutes >= settings.Hour*60+settings.Minute
}

func localDate(settings store.ScheduleSettings, now time.Time) string {
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}
