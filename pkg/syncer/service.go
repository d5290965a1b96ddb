// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package syncer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"storj.io/telemetry/internal/sync2"
	"storj.io/telemetry/pkg/audit"
	"storj.io/telemetry/pkg/rawstore"
	"storj.io/telemetry/pkg/registry"
	"storj.io/telemetry/pkg/scheduler"
	"storj.io/telemetry/pkg/teldb"
)

// Config contains configurable values for the sync service.
type Config struct {
	ScheduleInterval  time.Duration `help:"how often to check cron schedules for due syncs" default:"1m"`
	TokenInterval     time.Duration `help:"how often to look for expiring tokens" default:"15m"`
	TokenExpiryMargin time.Duration `help:"refresh a token when it expires within this margin" default:"5m"`
	TokenExpiryWindow time.Duration `help:"proactively refresh tokens expiring within this window" default:"1h"`
	InitialLookback   time.Duration `help:"how far back the first sync of a stream reaches" default:"17520h"`
	InitialLookahead  time.Duration `help:"how far forward the first sync of a stream reaches" default:"8760h"`
	SyncOverlap       time.Duration `help:"re-fetched overlap before the last successful sync" default:"1h"`
	SyncLookahead     time.Duration `help:"future window covered by incremental syncs" default:"720h"`
}

// Service orchestrates pull syncs: it resolves registry and runtime
// state, keeps tokens fresh, runs the source syncer and hands fetched
// payloads to the processor via the work queue.
type Service struct {
	log      *zap.Logger
	config   Config
	db       *teldb.DB
	registry *registry.Registry
	raw      rawstore.Store
	queue    scheduler.Queue
	audit    *audit.Recorder

	syncers        map[string]Syncer
	authenticators map[string]Authenticator
	tokens         *tokenGuard
	streams        *streamLocks

	Schedule sync2.Cycle
	Tokens   sync2.Cycle
}

// streamLocks serializes sync runs per stream so concurrent workers
// never race on one stream's cursor.
type streamLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newStreamLocks() *streamLocks {
	return &streamLocks{locks: map[string]*sync.Mutex{}}
}

// lock acquires the stream's mutex and returns the unlock.
func (guard *streamLocks) lock(stream string) func() {
	guard.mu.Lock()
	lock, ok := guard.locks[stream]
	if !ok {
		lock = &sync.Mutex{}
		guard.locks[stream] = lock
	}
	guard.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// NewService creates a sync service. Syncers and authenticators are
// registered afterwards, before Run.
func NewService(log *zap.Logger, config Config, db *teldb.DB, reg *registry.Registry, raw rawstore.Store, queue scheduler.Queue, recorder *audit.Recorder) *Service {
	service := &Service{
		log:      log,
		config:   config,
		db:       db,
		registry: reg,
		raw:      raw,
		queue:    queue,
		audit:    recorder,

		syncers:        map[string]Syncer{},
		authenticators: map[string]Authenticator{},
		tokens:         newTokenGuard(),
		streams:        newStreamLocks(),
	}
	service.Schedule.SetInterval(config.ScheduleInterval)
	service.Tokens.SetInterval(config.TokenInterval)
	return service
}

// RegisterSyncer binds a syncer implementation to a sync class.
func (service *Service) RegisterSyncer(class string, syncer Syncer) {
	service.syncers[class] = syncer
}

// RegisterAuthenticator binds a token refresher to a source.
func (service *Service) RegisterAuthenticator(source string, auth Authenticator) {
	service.authenticators[source] = auth
}

// Run drives the schedule and token cycles until ctx is done.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errgroup.Group
	service.Schedule.Start(ctx, &group, service.CheckScheduledSyncs)
	service.Tokens.Start(ctx, &group, service.RefreshExpiringTokens)
	return group.Wait()
}

// Close stops the recurring cycles.
func (service *Service) Close() error {
	service.Schedule.Close()
	service.Tokens.Close()
	return nil
}

// RunSync performs one sync of a pull stream. Scheduled syncs skip
// inactive streams and disconnected sources; manual syncs do not.
func (service *Service) RunSync(ctx context.Context, streamName string, manual bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	def, ok := service.registry.Stream(streamName)
	if !ok {
		return Error.New("unknown stream %q", streamName)
	}
	if def.Ingestion.Type != registry.IngestPull {
		return Error.New("stream %q is not a pull stream", streamName)
	}
	syncer, ok := service.syncers[def.Sync.Class]
	if !ok {
		return Error.New("no syncer registered for class %q", def.Sync.Class)
	}

	// at most one sync of a stream at a time; the cursor state read
	// below must not interleave with another run's writes
	defer service.streams.lock(streamName)()

	state, err := service.db.GetStream(ctx, streamName)
	if err != nil {
		return Error.Wrap(err)
	}
	source, err := service.db.GetSource(ctx, def.Source)
	if err != nil {
		return Error.Wrap(err)
	}
	if !manual {
		if !state.Active {
			service.log.Debug("skipping inactive stream", zap.String("stream", streamName))
			return nil
		}
		if source.Status != teldb.SourceConnected {
			service.log.Debug("skipping stream of unavailable source",
				zap.String("stream", streamName),
				zap.String("status", source.Status))
			return nil
		}
	}

	activity, err := service.audit.Begin(ctx, "sync_stream", def.Source, streamName)
	if err != nil {
		return Error.Wrap(err)
	}

	result, err := service.runJob(ctx, syncer, def, source, state, manual)
	if err != nil {
		_ = activity.Fail(ctx, err)
		if ErrAuth.Has(err) {
			if statusErr := service.db.SetSourceStatus(ctx, def.Source, teldb.SourceNeedsReauth); statusErr != nil {
				service.log.Error("failed to mark source for reauth",
					zap.String("source", def.Source), zap.Error(statusErr))
			}
			mon.Counter("sync_auth_failures").Inc(1)
			return err
		}
		if ErrTransient.Has(err) {
			mon.Counter("sync_transient_failures").Inc(1)
			return scheduler.MarkRetryable(err)
		}
		return err
	}

	metadata := map[string]interface{}{}
	if len(result.Warnings) > 0 {
		metadata["warnings"] = result.Warnings
	}
	if err := activity.Complete(ctx, int64(result.RecordsProcessed), metadata); err != nil {
		return Error.Wrap(err)
	}
	mon.Counter("syncs_completed").Inc(1)
	mon.IntVal("sync_records").Observe(int64(result.RecordsProcessed))
	service.log.Info("sync completed",
		zap.String("stream", streamName),
		zap.Int("records", result.RecordsProcessed),
		zap.Int("warnings", len(result.Warnings)))
	return nil
}

// runJob executes the syncer with cursor fallback: a rejected sync
// token is discarded and the sync retried once over a date range.
func (service *Service) runJob(ctx context.Context, syncer Syncer, def *registry.Stream, source *teldb.Source, state *teldb.Stream, manual bool) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := service.clientFor(ctx, source)
	if err != nil {
		return Result{}, err
	}

	sink := &collectingSink{raw: service.raw, source: def.Source, connection: def.Name}
	job := Job{
		Stream: def.Name,
		Source: def.Source,
		Manual: manual,
		Window: service.syncWindow(state, time.Now().UTC()),
		Client: client,
		Sink:   sink,
	}
	if state.SyncToken.Valid {
		job.SyncToken = state.SyncToken.String
	}

	result, err := syncer.Sync(ctx, job)
	if ErrSyncTokenExpired.Has(err) && job.SyncToken != "" {
		service.log.Warn("sync token rejected, falling back to date range",
			zap.String("stream", def.Name))
		mon.Counter("sync_token_expired").Inc(1)
		if clearErr := service.db.SetSyncToken(ctx, def.Name, ""); clearErr != nil {
			return Result{}, Error.Wrap(clearErr)
		}
		job.SyncToken = ""
		result, err = syncer.Sync(ctx, job)
		result.Warnings = append(result.Warnings, "sync token expired, re-fetched date range")
	}
	if err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	if result.NewSyncToken != "" {
		if err := service.db.SetSyncToken(ctx, def.Name, result.NewSyncToken); err != nil {
			return Result{}, Error.Wrap(err)
		}
	}
	if err := service.db.UpdateLastSuccessfulSync(ctx, def.Name, now); err != nil {
		return Result{}, Error.Wrap(err)
	}

	if keys := sink.Keys(); len(keys) > 0 {
		task, err := scheduler.NewTask(scheduler.KindProcessBatch,
			scheduler.ProcessBatchPayload{Stream: def.Name, ObjectKeys: keys})
		if err != nil {
			return Result{}, Error.Wrap(err)
		}
		if err := service.queue.Push(ctx, task); err != nil {
			return Result{}, Error.Wrap(err)
		}
	}
	return result, nil
}

// clientFor builds the HTTP client a syncer should use, carrying fresh
// OAuth credentials when the source needs them.
func (service *Service) clientFor(ctx context.Context, source *teldb.Source) (_ *http.Client, err error) {
	defer mon.Task()(&ctx)(&err)

	if source.AuthType != string(registry.AuthOAuth2) {
		return http.DefaultClient, nil
	}
	token, err := service.accessToken(ctx, source)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})), nil
}

// syncWindow picks the time range a sync covers: a wide historical
// window on the first sync, a short overlapping one afterwards.
func (service *Service) syncWindow(state *teldb.Stream, now time.Time) Window {
	if state.LastSuccessfulSyncAt == nil {
		return Window{
			From: now.Add(-service.config.InitialLookback),
			To:   now.Add(service.config.InitialLookahead),
		}
	}
	return Window{
		From: state.LastSuccessfulSyncAt.Add(-service.config.SyncOverlap),
		To:   now.Add(service.config.SyncLookahead),
	}
}

// collectingSink writes payloads to raw storage and remembers the keys
// so a processing task can be enqueued for exactly what was fetched.
type collectingSink struct {
	raw        rawstore.Store
	source     string
	connection string

	mu   sync.Mutex
	keys []string
}

// Store implements Sink.
func (sink *collectingSink) Store(ctx context.Context, ts time.Time, payload []byte) (string, error) {
	key, err := sink.raw.Put(ctx, sink.source, sink.connection, ts, payload)
	if err != nil {
		return "", Error.Wrap(err)
	}
	sink.mu.Lock()
	sink.keys = append(sink.keys, key)
	sink.mu.Unlock()
	return key, nil
}

// Keys returns the stored keys in insertion order.
func (sink *collectingSink) Keys() []string {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return append([]string(nil), sink.keys...)
}
