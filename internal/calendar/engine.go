package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/calsync/backend/internal/auth"
	"github.com/calsync/backend/internal/conflict"
	"github.com/calsync/backend/internal/provider"
	"github.com/calsync/backend/internal/storage"
	"github.com/calsync/backend/internal/storage/models"
)

var (
	// ErrSyncInProgress is returned when a pass is already running for the connection.
	ErrSyncInProgress = errors.New("calendar: sync already in progress")

	// ErrConnectionNotFound is returned for unknown connection ids.
	ErrConnectionNotFound = errors.New("calendar: connection not found")

	// ErrEventNotFound is returned for unknown event ids.
	ErrEventNotFound = errors.New("calendar: event not found")

	// ErrConflictNotFound is returned for unknown conflict ids.
	ErrConflictNotFound = errors.New("calendar: conflict not found")

	// ErrInvalidSettings is returned for unusable connection settings or requests.
	ErrInvalidSettings = errors.New("calendar: invalid settings")
)

// Default pass windows.
const (
	DefaultInitialLookback = 720 * time.Hour
	DefaultOverlap         = 5 * time.Minute
	DefaultRenewBefore     = 24 * time.Hour
)

// Notifier receives pass outcomes. Implementations must not block.
type Notifier interface {
	SyncCompleted(conn *models.Connection, l *models.SyncLog)
	SyncFailed(conn *models.Connection, l *models.SyncLog, err error)
	ConflictDetected(conn *models.Connection, c *models.Conflict)
	ConnectionDegraded(conn *models.Connection, err error)
}

type nopNotifier struct{}

func (nopNotifier) SyncCompleted(*models.Connection, *models.SyncLog) {}
func (nopNotifier) SyncFailed(*models.Connection, *models.SyncLog, error) {}
func (nopNotifier) ConflictDetected(*models.Connection, *models.Conflict) {}
func (nopNotifier) ConnectionDegraded(*models.Connection, error) {}

// Stores bundles the repositories the engine works on.
type Stores struct {
	Connections *storage.ConnectionRepository
	Events      *storage.EventRepository
	Conflicts   *storage.ConflictRepository
	SyncLogs    *storage.SyncLogRepository
}

// NewStores creates every repository over db.
func NewStores(db *storage.DB) Stores {
	return Stores{
		Connections: storage.NewConnectionRepository(db),
		Events:      storage.NewEventRepository(db),
		Conflicts:   storage.NewConflictRepository(db),
		SyncLogs:    storage.NewSyncLogRepository(db),
	}
}

// Options tunes pass windows and webhook subscriptions.
type Options struct {
	// InitialLookback bounds the first pull of a connection.
	InitialLookback time.Duration

	// Overlap is subtracted from last_sync_at so boundary changes are not missed.
	Overlap time.Duration

	// WebhookBaseURL is the public base URL of the service. Webhooks are
	// not subscribed when it is empty.
	WebhookBaseURL string

	// RenewBefore renews subscriptions expiring within this window.
	RenewBefore time.Duration
}

func (o *Options) setDefaults() {
	if o.InitialLookback <= 0 {
		o.InitialLookback = DefaultInitialLookback
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.RenewBefore <= 0 {
		o.RenewBefore = DefaultRenewBefore
	}
}

// Engine runs reconciliation passes and owns the connection lifecycle.
type Engine struct {
	stores     Stores
	registry   *provider.Registry
	guardian   *auth.Guardian
	signer     *auth.Signer
	reconciler *Reconciler
	detector   *conflict.Detector
	resolver   *conflict.Resolver
	recorder   *Recorder
	notifier   Notifier
	opts       Options
	now        func() time.Time
}

// NewEngine creates an engine. notifier may be nil.
func NewEngine(
	stores Stores,
	registry *provider.Registry,
	guardian *auth.Guardian,
	signer *auth.Signer,
	notifier Notifier,
	opts Options,
) *Engine {
	opts.setDefaults()
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Engine{
		stores:     stores,
		registry:   registry,
		guardian:   guardian,
		signer:     signer,
		reconciler: NewReconciler(stores.Events, stores.Conflicts),
		detector:   conflict.NewDetector(stores.Events, stores.Conflicts),
		resolver:   conflict.NewResolver(stores.Events, stores.Conflicts),
		recorder:   NewRecorder(stores.SyncLogs),
		notifier:   notifier,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Stores returns the repositories used by the engine.
func (e *Engine) Stores() Stores {
	return e.stores
}

// Registry returns the provider registry.
func (e *Engine) Registry() *provider.Registry {
	return e.registry
}

// RunPass runs one reconciliation pass for a connection: pull, push,
// detect and resolve, in that order. It returns ErrSyncInProgress when
// another pass holds the connection.
func (e *Engine) RunPass(ctx context.Context, connectionID string, trigger models.Trigger) (*models.SyncLog, error) {
	conn, err := e.stores.Connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrConnectionNotFound
	}

	claimed, err := e.stores.Connections.TryBeginSync(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrSyncInProgress
	}

	// Release and bookkeeping must survive cancellation of the pass.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := e.stores.Connections.EndSync(bg, conn.ID); err != nil {
			log.Printf("Failed to release connection %s: %v", conn.ID, err)
		}
	}()

	startedAt := e.now()
	l, err := e.recorder.Open(ctx, conn, trigger, startedAt)
	if err != nil {
		return nil, err
	}

	var counts models.SyncCounts
	passErr := e.run(ctx, conn, startedAt, &counts)

	status := models.SyncStatusSuccess
	switch {
	case passErr != nil:
		status = models.SyncStatusFailed
	case counts.Unresolved > 0:
		status = models.SyncStatusPartial
	}
	e.recorder.Close(bg, l, status, counts, passErr)

	if passErr == nil {
		if err := e.stores.Connections.MarkSynced(bg, conn.ID, status, startedAt); err != nil {
			log.Printf("Failed to record sync of connection %s: %v", conn.ID, err)
		}
		log.Printf("Sync %s for connection %s: %d created, %d updated, %d deleted, %d pushed, %d conflicts",
			status, conn.ID, counts.Created, counts.Updated, counts.Deleted, counts.Pushed, counts.ConflictsDetected)
		e.notifier.SyncCompleted(conn, l)
		return l, nil
	}

	log.Printf("Sync failed for connection %s: %v", conn.ID, passErr)
	if provider.IsAuth(passErr) {
		if err := e.stores.Connections.MarkDegraded(bg, conn.ID, passErr.Error()); err != nil {
			log.Printf("Failed to mark connection %s degraded: %v", conn.ID, err)
		}
		conn.Degraded = true
		e.notifier.ConnectionDegraded(conn, passErr)
	} else if err := e.stores.Connections.MarkFailed(bg, conn.ID, passErr.Error()); err != nil {
		log.Printf("Failed to record sync failure of connection %s: %v", conn.ID, err)
	}
	e.notifier.SyncFailed(conn, l, passErr)
	return l, passErr
}

func (e *Engine) run(ctx context.Context, conn *models.Connection, startedAt time.Time, counts *models.SyncCounts) error {
	gw, err := e.registry.Get(conn.Provider)
	if err != nil {
		return err
	}

	cred, err := e.guardian.EnsureValid(ctx, conn, gw)
	if err != nil {
		return fmt.Errorf("ensuring credential: %w", err)
	}

	err = e.sync(ctx, conn, gw, cred, startedAt, counts)
	if !provider.IsUnauthorized(err) {
		return err
	}

	// A token rejected before its expiry gets one forced refresh and retry.
	log.Printf("Access token of connection %s rejected, refreshing: %v", conn.ID, err)
	cred, rerr := e.guardian.ForceRefresh(ctx, conn, gw)
	if rerr != nil {
		return fmt.Errorf("refreshing rejected credential: %w", rerr)
	}
	err = e.sync(ctx, conn, gw, cred, startedAt, counts)
	if provider.IsUnauthorized(err) {
		return fmt.Errorf("%w: %w", provider.ErrAuth, err)
	}
	return err
}

// sync pulls, pushes, detects and resolves with a valid credential.
func (e *Engine) sync(ctx context.Context, conn *models.Connection, gw provider.Gateway, cred provider.Credential, startedAt time.Time, counts *models.SyncCounts) error {
	if conn.SyncDirection.Pulls() {
		pulled, err := e.reconciler.Pull(ctx, conn, gw, cred, e.since(conn, startedAt))
		counts.Created += pulled.Created
		counts.Updated += pulled.Updated + pulled.Deferred
		counts.Deleted += pulled.Deleted
		counts.Skipped += pulled.Skipped
		if err != nil {
			return fmt.Errorf("pulling: %w", err)
		}
	}

	pushed, err := e.reconciler.Push(ctx, conn, gw, cred)
	counts.Pushed += pushed.Pushed
	counts.Deleted += pushed.Deleted
	counts.Skipped += pushed.Skipped + pushed.Deferred
	if err != nil {
		return fmt.Errorf("pushing: %w", err)
	}

	detected, err := e.detector.Detect(ctx, conn)
	if err != nil {
		return fmt.Errorf("detecting conflicts: %w", err)
	}
	counts.ConflictsDetected += len(detected)
	for i := range detected {
		e.notifier.ConflictDetected(conn, &detected[i])
	}

	return e.resolve(ctx, conflict.Target{Connection: conn, Gateway: gw, Credential: cred}, counts)
}

func (e *Engine) resolve(ctx context.Context, target conflict.Target, counts *models.SyncCounts) error {
	strategy, err := conflict.StrategyFor(target.Connection.ConflictStrategy)
	if err != nil {
		return err
	}

	open, err := e.stores.Conflicts.ListDetected(ctx, target.Connection.ID)
	if err != nil {
		return err
	}

	for i := range open {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := e.resolver.Resolve(ctx, target, &open[i], strategy)
		switch {
		case err == nil:
			counts.ConflictsResolved++
		case errors.Is(err, conflict.ErrUnresolved):
			counts.Unresolved++
		case provider.IsAuth(err), provider.IsUnauthorized(err), provider.IsCancelled(err):
			return fmt.Errorf("resolving conflict %s: %w", open[i].ID, err)
		default:
			log.Printf("Failed to resolve conflict %s: %v", open[i].ID, err)
			counts.Unresolved++
		}
	}
	return nil
}

// since returns the lower bound of the pull window.
func (e *Engine) since(conn *models.Connection, startedAt time.Time) time.Time {
	if conn.LastSyncAt == nil {
		return startedAt.Add(-e.opts.InitialLookback)
	}
	return conn.LastSyncAt.Add(-e.opts.Overlap)
}
