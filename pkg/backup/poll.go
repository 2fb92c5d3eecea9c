package backup

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/sirupsen/logrus"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/types"
)

const unlimitedAttempts = -1

// ErrBackupFailed is matched by errors returned when a subsystem reports a
// backup that can no longer complete.
var ErrBackupFailed = stderrors.New("backup failed")

// PollPolicy controls how the state of a running backup is polled.
type PollPolicy struct {
	// Interval between two state queries.
	Interval time.Duration
	// MaxAttempts bounds the number of queries. Zero polls until the
	// backup completes.
	MaxAttempts int
	// FailFast stops polling once the backup is FAILED or INCOMPLETE.
	// Without it those states are retried like any other.
	FailFast bool
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval: 5 * time.Second,
		FailFast: true,
	}
}

type stateError struct {
	state types.BackupState
}

func (e *stateError) Error() string {
	return fmt.Sprintf("backup reached state %s", e.state)
}

func (e *stateError) Unwrap() error {
	return ErrBackupFailed
}

// waitForCompletion queries the backup state until it is COMPLETED. Query
// errors and pending states are logged and retried.
func waitForCompletion(ctx context.Context, clk clock.Clock, policy PollPolicy, logger logrus.FieldLogger,
	query func(context.Context) (types.BackupState, error)) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = unlimitedAttempts
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			state, err := query(ctx)
			if err != nil {
				return err
			}
			if state == types.StateCompleted {
				logger.Info("Backup completed")
				return nil
			}
			if policy.FailFast && state.Terminal() {
				return &stateError{state: state}
			}
			return errors.Errorf("state is %s", state)
		},
		IsFatalError: func(err error) bool {
			var se *stateError
			return stderrors.As(err, &se)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Infof("Checking again in %s, %v (attempt %d)", policy.Interval, err, attempt)
		},
		Attempts: attempts,
		Delay:    policy.Interval,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsRetryStopped(err):
		return errors.Annotate(ctx.Err(), "waiting for backup")
	case retry.IsAttemptsExceeded(err):
		return errors.Annotatef(retry.LastError(err), "backup not completed after %d attempt(s)", attempts)
	}
	return err
}
