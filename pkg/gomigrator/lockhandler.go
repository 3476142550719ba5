package gomigrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultWaitTimeout  = 5 * time.Minute
	DefaultPollInterval = 10 * time.Second
)

var (
	ErrLockTableNotExist  = errors.New("Could not acquire lock, table does not exist") //nolint:stylecheck
	ErrLockRowMissing     = errors.New("lock row not found")
	ErrUnexpectedRowCount = errors.New("unexpected number of lock rows updated")
	ErrWaitTimeout        = errors.New("could not acquire lock")
	ErrNotHolding         = errors.New("lock is not held by this handler")
	ErrLockLost           = errors.New("lock is no longer held by this handler")

	errLockContended = errors.New("lock is held by another process")
	errWaitDeadline  = errors.New("lock wait deadline reached")
)

// WaitTimeoutError is returned by WaitForLock when the deadline elapses.
// Holders is the lock state read after the deadline.
type WaitTimeoutError struct {
	Timeout time.Duration
	Holders []LockRecord
}

func (e *WaitTimeoutError) Error() string {
	msg := fmt.Sprintf("%s within %s", ErrWaitTimeout.Error(), e.Timeout)
	if len(e.Holders) == 0 {
		return msg
	}

	holder := e.Holders[0]
	msg += ", currently locked by " + holder.LockedBy
	if holder.GrantedAt != nil {
		msg += " since " + holder.GrantedAt.Format(time.RFC3339)
	}
	return msg
}

func (e *WaitTimeoutError) Unwrap() error {
	return ErrWaitTimeout
}

// LockHandler acquires and releases the single row mutex in the lock table on
// behalf of one database connection.
type LockHandler struct {
	mu           sync.Mutex
	db           *Database
	tables       *LockTableManager
	statements   lockStatements
	logg         *Logger
	clock        clock.Clock
	metrics      *lockMetrics
	identity     string
	waitTimeout  time.Duration
	pollInterval time.Duration

	// holding is what this instance believes; a forced release done through
	// another handler is not reflected here until CheckHolding runs.
	holding bool
}

type HandlerOption func(*LockHandler)

// WithIdentity sets the value written to locked_by.
func WithIdentity(identity string) HandlerOption {
	return func(h *LockHandler) {
		if identity != "" {
			h.identity = identity
		}
	}
}

func WithWaitTimeout(d time.Duration) HandlerOption {
	return func(h *LockHandler) {
		if d > 0 {
			h.waitTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) HandlerOption {
	return func(h *LockHandler) {
		if d > 0 {
			h.pollInterval = d
		}
	}
}

func WithClock(c clock.Clock) HandlerOption {
	return func(h *LockHandler) {
		h.clock = c
	}
}

func WithLogger(logg *Logger) HandlerOption {
	return func(h *LockHandler) {
		h.logg = logg
	}
}

// WithMetrics records lock metrics in reg. Handlers sharing a registerer share
// the collectors.
func WithMetrics(reg prometheus.Registerer) HandlerOption {
	return func(h *LockHandler) {
		h.metrics = newLockMetrics(reg)
	}
}

func NewLockHandler(db *Database, opts ...HandlerOption) *LockHandler {
	h := &LockHandler{
		db:           db,
		tables:       NewLockTableManager(db),
		statements:   newLockStatements(db.Dialect(), db.EscapeTableName(db.SchemaName(), db.LockTableName())),
		logg:         NewLogger(),
		clock:        clock.WallClock,
		waitTimeout:  DefaultWaitTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.identity == "" {
		h.identity = DefaultIdentity()
	}
	return h
}

// DefaultIdentity is the host name followed by a random id, so that two
// processes on one host are told apart.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s (%s)", host, uuid.NewString())
}

func (h *LockHandler) Identity() string {
	return h.identity
}

func (h *LockHandler) Holding() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.holding
}

// AcquireLock makes a single attempt to take the lock. It reports false
// without an error when another holder has it.
func (h *LockHandler) AcquireLock(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.holding {
		return true, nil
	}

	exists, err := h.tables.DoesLockTableExist(ctx)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrLockTableNotExist
	}

	h.metrics.incAttempts()

	var locked bool
	err = h.db.conn.QueryRowContext(ctx, h.statements.selectLocked, lockRowID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrLockRowMissing
		}
		return false, err
	}

	if locked {
		h.metrics.incContended()
		h.logg.Debug("Lock is held by another process", "table", h.db.LockTableName())
		return false, nil
	}

	affected, err := h.db.ExecCommit(
		ctx,
		h.statements.acquire,
		true,
		h.clock.Now().UTC(),
		h.identity,
		lockRowID,
		false,
	)
	if err != nil {
		return false, err
	}

	if affected == 0 {
		h.metrics.incContended()
		h.logg.Debug("Lost race for lock", "table", h.db.LockTableName())
		return false, nil
	}

	h.holding = true
	h.metrics.incAcquired()
	h.logg.Info("Successfully acquired lock", "table", h.db.LockTableName(), "lockedBy", h.identity)
	return true, nil
}

// ReleaseLock clears the lock row whoever holds it. Releasing a lock that is
// not held is safe.
func (h *LockHandler) ReleaseLock(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	released, err := h.release(ctx)
	if err != nil {
		return err
	}
	if !released {
		h.logg.Debug("Lock table does not exist, nothing to release", "table", h.db.LockTableName())
		return nil
	}

	h.metrics.incReleases()
	h.logg.Info("Successfully released lock", "table", h.db.LockTableName())
	return nil
}

// release reports false when the lock table is missing and nothing was written.
func (h *LockHandler) release(ctx context.Context) (bool, error) {
	exists, err := h.tables.DoesLockTableExist(ctx)
	if err != nil {
		return false, err
	}
	if !exists {
		h.holding = false
		return false, nil
	}

	affected, err := h.db.ExecCommit(ctx, h.statements.release, false, lockRowID)
	if err != nil {
		return false, err
	}
	if affected != 1 {
		return false, fmt.Errorf("%w: %d rows were updated instead of 1", ErrUnexpectedRowCount, affected)
	}

	h.holding = false
	return true, nil
}

// ForceReleaseLock clears the lock row regardless of holder, creating the
// table first if needed. Other handlers that believe they hold the lock are
// not told.
func (h *LockHandler) ForceReleaseLock(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.tables.EnsureLockTableExists(ctx)
	if err != nil {
		return err
	}

	previous, err := h.listLocks(ctx)
	if err != nil {
		return err
	}

	_, err = h.release(ctx)
	if err != nil {
		return err
	}

	h.metrics.incForceReleases()
	for _, record := range previous {
		h.logg.Warn("Forcibly released lock", "table", h.db.LockTableName(), "lockedBy", record.LockedBy)
	}
	if len(previous) == 0 {
		h.logg.Info("Forced release found no held lock", "table", h.db.LockTableName())
	}

	return nil
}

// ListLocks returns the rows currently marked as locked, in table order.
func (h *LockHandler) ListLocks(ctx context.Context) ([]LockRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listLocks(ctx)
}

func (h *LockHandler) listLocks(ctx context.Context) ([]LockRecord, error) {
	exists, err := h.tables.DoesLockTableExist(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []LockRecord{}, nil
	}

	rows, err := h.db.conn.QueryContext(ctx, h.statements.selectAll)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	raw, err := scanRawRows(rows)
	if err != nil {
		return nil, err
	}

	locks := make([]LockRecord, 0, len(raw))
	for _, row := range raw {
		record, err := MapLockRecord(row)
		if err != nil {
			return nil, err
		}
		if record.Locked {
			locks = append(locks, record)
		}
	}

	return locks, nil
}

// WaitForLock provisions the changelog and lock tables, then polls
// AcquireLock until it succeeds, the wait timeout elapses or ctx is done.
func (h *LockHandler) WaitForLock(ctx context.Context) error {
	if h.Holding() {
		return nil
	}

	err := Bootstrap(ctx, h.db)
	if err != nil {
		return err
	}

	start := h.clock.Now()
	deadline := start.Add(h.waitTimeout)
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			acquired, err := h.AcquireLock(ctx)
			if err != nil {
				return err
			}
			if acquired {
				return nil
			}
			if !h.clock.Now().Before(deadline) {
				return errWaitDeadline
			}
			return errLockContended
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errLockContended)
		},
		NotifyFunc: func(_ error, attempt int) {
			h.logg.Info("Waiting for lock", "table", h.db.LockTableName(), "attempt", attempt)
		},
		// the last sleep is cut short so one more attempt lands on the deadline
		BackoffFunc: func(time.Duration, int) time.Duration {
			remaining := deadline.Sub(h.clock.Now())
			if remaining < 0 {
				return 0
			}
			return min(h.pollInterval, remaining)
		},
		Attempts: retry.UnlimitedAttempts,
		Delay:    h.pollInterval,
		Clock:    h.clock,
		Stop:     ctx.Done(),
	})
	h.metrics.observeWait(h.clock.Now().Sub(start).Seconds())

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errWaitDeadline):
		timeoutErr := &WaitTimeoutError{Timeout: h.waitTimeout}
		holders, errList := h.ListLocks(ctx)
		if errList != nil {
			return errors.Join(timeoutErr, errList)
		}
		timeoutErr.Holders = holders
		return timeoutErr
	case retry.IsRetryStopped(err):
		return fmt.Errorf("wait for lock: %w", ctx.Err())
	case ctx.Err() != nil:
		return fmt.Errorf("wait for lock: %w", errors.Join(ctx.Err(), err))
	default:
		return err
	}
}

// CheckHolding confirms the lock row still names this handler as holder. When
// it does not, typically after a forced release, the cached state is cleared
// and ErrLockLost is returned.
func (h *LockHandler) CheckHolding(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.holding {
		return ErrNotHolding
	}

	locks, err := h.listLocks(ctx)
	if err != nil {
		return err
	}

	for _, record := range locks {
		if record.ID == lockRowID && record.LockedBy == h.identity {
			return nil
		}
	}

	h.holding = false
	h.logg.Warn("Lock was released by another process", "table", h.db.LockTableName(), "lockedBy", h.identity)
	return ErrLockLost
}

// WithLock waits for the lock, runs fn and releases the lock on every path.
// A release failure is returned together with any error from fn.
func WithLock(ctx context.Context, h *LockHandler, fn func(ctx context.Context) error) (err error) {
	err = h.WaitForLock(ctx)
	if err != nil {
		return err
	}

	defer func() {
		errRelease := h.ReleaseLock(context.WithoutCancel(ctx))
		if errRelease != nil {
			h.logg.Error("Failed release lock", "error", errRelease)
			err = errors.Join(err, fmt.Errorf("release lock: %w", errRelease))
		}
	}()

	return fn(ctx)
}
