// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/telemetry/pkg/audit"
	"storj.io/telemetry/pkg/cfgstruct"
	"storj.io/telemetry/pkg/cleanup"
	"storj.io/telemetry/pkg/detect"
	"storj.io/telemetry/pkg/process"
	"storj.io/telemetry/pkg/processor"
	"storj.io/telemetry/pkg/push"
	"storj.io/telemetry/pkg/rawstore"
	"storj.io/telemetry/pkg/registry"
	"storj.io/telemetry/pkg/scheduler"
	"storj.io/telemetry/pkg/segment"
	"storj.io/telemetry/pkg/sources/google"
	"storj.io/telemetry/pkg/sources/notion"
	"storj.io/telemetry/pkg/sources/strava"
	"storj.io/telemetry/pkg/syncer"
	"storj.io/telemetry/pkg/teldb"
)

// Telemetry defines the pipeline configuration.
type Telemetry struct {
	Database     string `help:"telemetry database connection string" default:"sqlite3://$CONFDIR/telemetry.db"`
	RegistryDir  string `help:"directory with registry yaml definitions; empty uses the builtin catalog" default:""`
	QueueBackend string `help:"work queue backend: redis or memory" default:"memory"`
	RawBackend   string `help:"raw payload store backend: minio or memory" default:"memory"`

	Queue   scheduler.RedisConfig
	Workers scheduler.PoolConfig
	Raw     rawstore.Config
	Sync    syncer.Config
	Segment segment.Config
	Push    push.Config
	Cleanup cleanup.Config

	Google syncer.OAuthConfig
	Strava syncer.OAuthConfig
	Notion syncer.OAuthConfig
}

var (
	rootCmd = &cobra.Command{
		Use:   "telemetry",
		Short: "Personal telemetry pipeline",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline: workers, sync schedule, push endpoint",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	syncCmd = &cobra.Command{
		Use:   "sync [stream]",
		Short: "Sync one pull stream now",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdSync,
	}
	segmentCmd = &cobra.Command{
		Use:   "segment [date]",
		Short: "Segment one day, format YYYY-MM-DD",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdSegment,
	}
	detectCmd = &cobra.Command{
		Use:   "detect [source] [signal]",
		Short: "Re-run transition detection over a window",
		Args:  cobra.ExactArgs(2),
		RunE:  cmdDetect,
	}
	registryCmd = &cobra.Command{
		Use:   "registry",
		Short: "Registry tools",
	}
	registryValidateCmd = &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate a registry directory",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdRegistryValidate,
	}

	runCfg   Telemetry
	setupCfg Telemetry

	syncCfg struct {
		Telemetry
		Manual bool `help:"sync even when the stream is inactive or its source is not connected" default:"false"`
	}
	segmentCfg Telemetry
	detectCfg  struct {
		Telemetry
		From string `help:"window start, RFC3339" default:""`
		To   string `help:"window end, RFC3339" default:""`
	}

	confDir string
)

func init() {
	cfgstruct.SetupFlag(rootCmd, &confDir, "config-dir", defaultConfDir(),
		"main directory for telemetry configuration")
	rootCmd.PersistentFlags().String("config", "",
		"configuration file; flags and environment override its values")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(segmentCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(registryCmd)
	registryCmd.AddCommand(registryValidateCmd)

	process.Bind(runCmd, &runCfg, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, cfgstruct.ConfDir(confDir))
	process.Bind(syncCmd, &syncCfg, cfgstruct.ConfDir(confDir))
	process.Bind(segmentCmd, &segmentCfg, cfgstruct.ConfDir(confDir))
	process.Bind(detectCmd, &detectCfg, cfgstruct.ConfDir(confDir))
}

func defaultConfDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".telemetry"
	}
	return filepath.Join(base, "telemetry")
}

// pipeline bundles the stores and services the commands share.
type pipeline struct {
	db    *teldb.DB
	reg   *registry.Registry
	raw   rawstore.Store
	queue scheduler.Queue
	audit *audit.Recorder

	sync      *syncer.Service
	processor *processor.Service
	detect    *detect.Service
	segmenter *segment.Segmenter
	cleaner   *cleanup.Service
}

func newPipeline(ctx context.Context, log *zap.Logger, cfg *Telemetry) (*pipeline, error) {
	db, err := teldb.Open(ctx, log.Named("db"), cfg.Database)
	if err != nil {
		return nil, err
	}

	reg, err := loadRegistry(cfg.RegistryDir)
	if err != nil {
		return nil, errs.Combine(err, db.Close())
	}
	if err := db.SeedRegistry(ctx, reg); err != nil {
		return nil, errs.Combine(err, db.Close())
	}

	raw, err := openRawStore(log, cfg)
	if err != nil {
		return nil, errs.Combine(err, db.Close())
	}
	queue, err := openQueue(cfg)
	if err != nil {
		return nil, errs.Combine(err, raw.Close(), db.Close())
	}

	recorder := audit.NewRecorder(log.Named("audit"), db)

	syncService := syncer.NewService(log.Named("syncer"), cfg.Sync, db, reg, raw, queue, recorder)
	syncService.RegisterSyncer("google_calendar", google.NewCalendarSyncer(log.Named("syncer:google")))
	syncService.RegisterSyncer("strava_activities", strava.NewActivitySyncer(log.Named("syncer:strava")))
	syncService.RegisterSyncer("notion_pages", notion.NewPageSyncer(log.Named("syncer:notion")))
	if cfg.Google.ClientID != "" {
		syncService.RegisterAuthenticator("google", syncer.NewOAuthAuthenticator(cfg.Google))
	}
	if cfg.Strava.ClientID != "" {
		syncService.RegisterAuthenticator("strava", syncer.NewOAuthAuthenticator(cfg.Strava))
	}
	if cfg.Notion.ClientID != "" {
		syncService.RegisterAuthenticator("notion", syncer.NewOAuthAuthenticator(cfg.Notion))
	}

	processorService := processor.NewService(log.Named("processor"), db, raw, reg, queue, recorder)
	processorService.Register("google_calendar", processor.NewCalendar())
	processorService.Register("strava_activities", processor.NewStrava())
	processorService.Register("notion_pages", processor.NewNotion())
	processorService.Register("ios_healthkit", processor.NewHealthKit())
	processorService.Register("ios_location", processor.NewLocation())
	processorService.Register("ios_mic", processor.NewMic())
	processorService.Register("mac_apps", processor.NewMacApps())

	return &pipeline{
		db:    db,
		reg:   reg,
		raw:   raw,
		queue: queue,
		audit: recorder,

		sync:      syncService,
		processor: processorService,
		detect:    detect.NewService(log.Named("detect"), db, reg, queue, recorder),
		segmenter: segment.NewSegmenter(log.Named("segment"), cfg.Segment, db, recorder),
		cleaner:   cleanup.NewService(log.Named("cleanup"), cfg.Cleanup, db, raw, reg, queue),
	}, nil
}

func (p *pipeline) Close() error {
	return errs.Combine(p.cleaner.Close(), p.sync.Close(), p.queue.Close(), p.raw.Close(), p.db.Close())
}

// handlers maps every task kind to its service call.
func (p *pipeline) handlers() map[scheduler.Kind]scheduler.Handler {
	return map[scheduler.Kind]scheduler.Handler{
		scheduler.KindSyncStream: func(ctx context.Context, task *scheduler.Task) error {
			var payload scheduler.SyncStreamPayload
			if err := task.UnmarshalPayload(&payload); err != nil {
				return err
			}
			return p.sync.RunSync(ctx, payload.Stream, payload.Manual)
		},
		scheduler.KindProcessBatch: func(ctx context.Context, task *scheduler.Task) error {
			var payload scheduler.ProcessBatchPayload
			if err := task.UnmarshalPayload(&payload); err != nil {
				return err
			}
			return p.processor.ProcessBatch(ctx, payload.Stream, payload.ObjectKeys)
		},
		scheduler.KindDetectSignal: func(ctx context.Context, task *scheduler.Task) error {
			var payload scheduler.DetectSignalPayload
			if err := task.UnmarshalPayload(&payload); err != nil {
				return err
			}
			return p.detect.RunDetection(ctx, payload.Source, payload.Signal, payload.From, payload.To)
		},
		scheduler.KindDetectDay: func(ctx context.Context, task *scheduler.Task) error {
			var payload scheduler.DetectDayPayload
			if err := task.UnmarshalPayload(&payload); err != nil {
				return err
			}
			return p.detect.EnqueueDayDetections(ctx, payload.Date)
		},
		scheduler.KindSegmentDay: func(ctx context.Context, task *scheduler.Task) error {
			var payload scheduler.SegmentDayPayload
			if err := task.UnmarshalPayload(&payload); err != nil {
				return err
			}
			return p.segmenter.SegmentDay(ctx, payload.Date)
		},
		scheduler.KindRefreshTokens: func(ctx context.Context, task *scheduler.Task) error {
			return p.sync.RefreshExpiringTokens(ctx)
		},
		scheduler.KindCleanup: func(ctx context.Context, task *scheduler.Task) error {
			return p.cleaner.RunCleanup(ctx)
		},
	}
}

// drain runs queued follow-up tasks inline so that one-shot commands
// backed by the memory queue leave no work behind.
func (p *pipeline) drain(ctx context.Context, log *zap.Logger) error {
	handlers := p.handlers()
	for {
		task, err := p.queue.Pop(ctx)
		if scheduler.ErrEmptyQueue.Has(err) {
			return nil
		}
		if err != nil {
			return err
		}
		handler, ok := handlers[task.Kind]
		if !ok {
			log.Error("unknown task kind", zap.String("kind", string(task.Kind)))
			continue
		}
		if err := handler(ctx, task); err != nil {
			return err
		}
	}
}

func loadRegistry(dir string) (*registry.Registry, error) {
	if dir == "" {
		return registry.Builtin()
	}
	return registry.Load(dir)
}

func openRawStore(log *zap.Logger, cfg *Telemetry) (rawstore.Store, error) {
	switch cfg.RawBackend {
	case "minio":
		return rawstore.NewMinioStore(log.Named("rawstore"), cfg.Raw)
	case "memory":
		return rawstore.NewInMemory(), nil
	default:
		return nil, errs.New("unknown raw store backend %q", cfg.RawBackend)
	}
}

func openQueue(cfg *Telemetry) (scheduler.Queue, error) {
	switch cfg.QueueBackend {
	case "redis":
		return scheduler.NewRedisQueue(cfg.Queue)
	case "memory":
		return scheduler.NewInMemoryQueue(), nil
	default:
		return nil, errs.New("unknown queue backend %q", cfg.QueueBackend)
	}
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	p, err := newPipeline(ctx, log, &runCfg)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, p.Close()) }()

	pool := scheduler.NewPool(log.Named("workers"), p.queue, runCfg.Workers)
	for kind, handler := range p.handlers() {
		pool.Handle(kind, handler)
	}

	chore := segment.NewChore(log.Named("segment:chore"), runCfg.Segment, p.db, p.queue)
	pushServer := push.NewServer(log.Named("push"), runCfg.Push, p.db, p.raw, p.reg, p.queue)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return pool.Run(ctx) })
	group.Go(func() error { return p.sync.Run(ctx) })
	group.Go(func() error { return chore.Run(ctx) })
	group.Go(func() error { return p.cleaner.Run(ctx) })
	group.Go(func() error { return pushServer.Run(ctx) })
	return ignoreCancel(group.Wait())
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(setupDir, 0700); err != nil {
		return err
	}

	configFile := filepath.Join(setupDir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return errs.New("configuration already exists (%v)", configFile)
	}
	return process.SaveConfigWithAllDefaults(cmd.Flags(), configFile, nil)
}

func cmdSync(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	p, err := newPipeline(ctx, log, &syncCfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, p.Close()) }()

	if err := p.sync.RunSync(ctx, args[0], syncCfg.Manual); err != nil {
		return err
	}
	if syncCfg.QueueBackend == "memory" {
		return p.drain(ctx, log)
	}
	return nil
}

func cmdSegment(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)

	p, err := newPipeline(ctx, zap.L(), &segmentCfg)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, p.Close()) }()

	return p.segmenter.SegmentDay(ctx, args[0])
}

func cmdDetect(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)

	if detectCfg.From == "" || detectCfg.To == "" {
		return errs.New("both --from and --to are required")
	}
	from, err := time.Parse(time.RFC3339, detectCfg.From)
	if err != nil {
		return errs.New("invalid --from %q: %v", detectCfg.From, err)
	}
	to, err := time.Parse(time.RFC3339, detectCfg.To)
	if err != nil {
		return errs.New("invalid --to %q: %v", detectCfg.To, err)
	}

	p, err := newPipeline(ctx, zap.L(), &detectCfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, p.Close()) }()

	return p.detect.RunDetection(ctx, args[0], args[1], from, to)
}

func cmdRegistryValidate(cmd *cobra.Command, args []string) (err error) {
	reg, err := registry.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("registry ok: %d sources, %d streams\n",
		len(reg.AllSources()), len(reg.AllStreams()))
	return nil
}

func ignoreCancel(err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

func main() {
	process.Exec(rootCmd)
}
