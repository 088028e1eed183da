package oplog

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/log"
	"github.com/percona/migrate-mongo/metrics"
	"github.com/percona/migrate-mongo/tracker"
	"github.com/percona/migrate-mongo/util"
)

const (
	DefaultGapDelay    = 5 * time.Second
	DefaultGapInterval = 5 * time.Second
)

// Gap is how far the target checkpoint is behind the source oplog.
type Gap struct {
	Source bson.Timestamp
	Target bson.Timestamp
}

// Seconds returns the difference of the wall-clock parts.
func (g Gap) Seconds() int64 {
	return int64(g.Source.T) - int64(g.Target.T)
}

// Operations returns the difference of the increments within the same second.
// It is 0 when the target is at least one second behind.
func (g Gap) Operations() int64 {
	if g.Seconds() > 0 {
		return 0
	}

	return int64(g.Source.I) - int64(g.Target.I)
}

func (g Gap) String() string {
	return fmt.Sprintf("Target is behind by %d seconds & %04d operations; Target: %s, Source: %s",
		g.Seconds(), g.Operations(),
		tracker.FormatTimestamp(g.Target), tracker.FormatTimestamp(g.Source))
}

// MeasureGap reads both positions. A missing target checkpoint counts as the zero timestamp.
func MeasureGap(ctx context.Context, source, target tracker.Reader) (Gap, error) {
	src, err := tracker.LatestTimestamp(ctx, source)
	if err != nil {
		return Gap{}, errors.Wrap(err, "source oplog")
	}

	tgt, err := tracker.LatestTimestamp(ctx, target)
	if err != nil && !errors.Is(err, tracker.ErrNotFound) {
		return Gap{}, errors.Wrap(err, "oplog checkpoint")
	}

	return Gap{Source: src, Target: tgt}, nil
}

// GapWatcher periodically logs the replication lag.
type GapWatcher struct {
	Source tracker.Reader
	Target tracker.Reader

	// Delay before the first measurement. Default: 5s
	Delay time.Duration
	// Interval between measurements. Default: 5s
	Interval time.Duration
}

// Run measures until ctx is done. Failed measurements are logged and skipped.
func (w *GapWatcher) Run(ctx context.Context) {
	lg := log.Ctx(ctx).With(log.Scope("gap"))

	delay := w.Delay
	if delay <= 0 {
		delay = DefaultGapDelay
	}

	interval := w.Interval
	if interval <= 0 {
		interval = DefaultGapInterval
	}

	if util.Sleep(ctx, delay) != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		gap, err := MeasureGap(ctx, w.Source, w.Target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			lg.Error(err, "Measure oplog gap")
		} else {
			metrics.SetLag(gap.Seconds(), gap.Operations())
			lg.Info(gap.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
