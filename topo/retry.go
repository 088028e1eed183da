package topo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/migrate-mongo/errors"
	"github.com/percona/migrate-mongo/log"
	"github.com/percona/migrate-mongo/metrics"
	"github.com/percona/migrate-mongo/util"
)

const (
	DefaultRetryInterval = 5 * time.Second
	DefaultMaxRetries    = 3
)

// server error codes that go away once the node or the replica set recovers.
//
//nolint:gochecknoglobals
var transientCodes = map[int]struct{}{
	6:     {}, // HostUnreachable
	7:     {}, // HostNotFound
	89:    {}, // NetworkTimeout
	91:    {}, // ShutdownInProgress
	189:   {}, // PrimarySteppedDown
	9001:  {}, // SocketException
	10107: {}, // NotWritablePrimary
	11600: {}, // InterruptedAtShutdown
	11602: {}, // InterruptedDueToReplStateChange
	13435: {}, // NotPrimaryNoSecondaryOk
	13436: {}, // NotPrimaryOrSecondary
}

//nolint:gochecknoglobals
var duplicateKeyCodes = map[int]struct{}{
	11000: {},
	11001: {},
	12582: {},
}

// IsTransient reports whether the error is caused by a missing primary, a recovering
// node or the network.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if mongo.IsNetworkError(err) {
		return true
	}

	var le mongo.LabeledError
	if errors.As(err, &le) && le.HasErrorLabel("RetryableWriteError") {
		return true
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		for code := range transientCodes {
			if se.HasErrorCode(code) {
				return true
			}
		}
	}

	return false
}

// IsDuplicateKeyError reports whether every write error of err is a duplicate key.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}

	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		if bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
			return false
		}

		for _, we := range bwe.WriteErrors {
			if _, ok := duplicateKeyCodes[we.Code]; !ok {
				return false
			}
		}

		return true
	}

	var we mongo.WriteException
	if errors.As(err, &we) {
		if we.WriteConcernError != nil || len(we.WriteErrors) == 0 {
			return false
		}

		for _, e := range we.WriteErrors {
			if _, ok := duplicateKeyCodes[e.Code]; !ok {
				return false
			}
		}

		return true
	}

	return mongo.IsDuplicateKeyError(err)
}

// RunWithRetry calls fn up to maxAttempts times while it fails with a transient error.
// A non-transient error is returned at once.
func RunWithRetry(
	ctx context.Context,
	fn func(context.Context) error,
	interval time.Duration,
	maxAttempts int,
) error {
	var err error

	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}

		if attempt >= maxAttempts {
			return errors.Wrapf(err, "after %d attempts", attempt)
		}

		log.Ctx(ctx).Debugf("transient error, retrying in %s: %v", interval, err)

		if serr := util.Sleep(ctx, interval); serr != nil {
			return errors.Join(err, serr)
		}
	}
}

// RetryAttempts is the number of times [Retry] calls fn on transient errors.
const RetryAttempts = 2

// Retry runs a single source, target or store operation. A transient error is retried
// once more. A duplicate key error is treated as success. Other errors are logged and
// returned.
func Retry(ctx context.Context, op string, fn func(context.Context) error) error {
	lg := log.Ctx(ctx)

	var err error

	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		if IsDuplicateKeyError(err) {
			lg.Warnf("[IGNORE] %s: duplicate key: %v", op, err)
			metrics.IncDuplicateKeysIgnored()

			return nil
		}

		if !IsTransient(err) || ctx.Err() != nil {
			break
		}

		if attempt < RetryAttempts {
			lg.Warnf("[RETRY] %s: %v", op, err)
		}
	}

	lg.Error(err, op)

	return errors.Wrap(err, op)
}
