package operations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kebairia/drivebackup/internal/archive"
	"github.com/kebairia/drivebackup/internal/auth"
	"github.com/kebairia/drivebackup/internal/config"
	"github.com/kebairia/drivebackup/internal/logger"
	"github.com/kebairia/drivebackup/internal/storage"
	"github.com/kebairia/drivebackup/internal/storage/drive"
	"github.com/kebairia/drivebackup/internal/vault"
)

// OperationManager wires configuration, credentials, remote storage and the
// scheduler together and exposes the operations behind the console commands.
type OperationManager struct {
	cfg       *config.Store
	log       logger.Logger
	auth      *auth.Manager
	tokens    *auth.BadgerTokenStore
	breaker   *storage.BreakerStore
	runner    *Runner
	scheduler *Scheduler
	registry  *prometheus.Registry
}

type managerOptions struct {
	notifier      Notifier
	driveEndpoint string
	log           logger.Logger
}

type ManagerOption func(*managerOptions)

// WithStatusNotifier receives the run status lines.
func WithStatusNotifier(n Notifier) ManagerOption {
	return func(o *managerOptions) { o.notifier = n }
}

// WithDriveEndpoint overrides the Drive API base URL.
func WithDriveEndpoint(endpoint string) ManagerOption {
	return func(o *managerOptions) { o.driveEndpoint = endpoint }
}

func WithLogger(log logger.Logger) ManagerOption {
	return func(o *managerOptions) { o.log = log }
}

// NewOperationManager loads the settings at configPath and builds every
// component. The recurring schedule is registered but only runs once the
// scheduler is served.
func NewOperationManager(ctx context.Context, configPath string, opts ...ManagerOption) (*OperationManager, error) {
	store, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return NewOperationManagerFromStore(ctx, store, opts...)
}

// NewOperationManagerFromStore is NewOperationManager over an already loaded
// settings store.
func NewOperationManagerFromStore(ctx context.Context, store *config.Store, opts ...ManagerOption) (*OperationManager, error) {
	o := managerOptions{log: logger.Global()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log
	s := store.Settings()

	reg, err := registration(s)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.OpenBadgerTokenStore(s.TokenDir)
	if err != nil {
		return nil, err
	}
	am := auth.NewManager(reg, tokens, auth.WithLogger(log.With("component", "auth")))

	driveOpts := []drive.Option{
		drive.WithRateLimit(s.APIRateLimit),
		drive.WithLogger(log.With("component", "drive")),
	}
	if o.driveEndpoint != "" {
		driveOpts = append(driveOpts, drive.WithEndpoint(o.driveEndpoint))
	}
	breaker := storage.NewBreakerStore(drive.New(am, driveOpts...), storage.DefaultBreakerConfig(), log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	runLog := log.With("component", "runner")
	runner := NewRunner(store, am, breaker,
		WithArchiver(archive.New(archive.WithLogger(runLog))),
		WithNotifier(o.notifier),
		WithMetrics(NewMetrics(registry)),
		WithRunnerLogger(runLog),
	)
	scheduler := NewScheduler(runner, log.With("component", "scheduler"))
	scheduler.ScheduleRecurring(s.Interval())

	if err := am.Ready(ctx); err == nil && !s.Authenticated {
		if err := store.SetAuthenticated(true); err != nil {
			log.Warn("record authenticated flag", "error", err)
		}
	}

	return &OperationManager{
		cfg:       store,
		log:       log,
		auth:      am,
		tokens:    tokens,
		breaker:   breaker,
		runner:    runner,
		scheduler: scheduler,
		registry:  registry,
	}, nil
}

// registration picks Vault when an address is configured, else the
// credentials file.
func registration(s config.Settings) (auth.Registration, error) {
	if s.Vault.Address == "" {
		return auth.FileRegistration{Path: s.CredentialsFile}, nil
	}
	vc, err := vault.NewClient(vault.WithAddress(s.Vault.Address))
	if err != nil {
		return nil, fmt.Errorf("vault client init: %w", err)
	}
	return auth.VaultRegistration{Reader: vc, Path: s.Vault.RegistrationPath}, nil
}

func (om *OperationManager) Scheduler() *Scheduler { return om.scheduler }

func (om *OperationManager) Registry() *prometheus.Registry { return om.registry }

func (om *OperationManager) Settings() config.Settings { return om.cfg.Settings() }

func (om *OperationManager) Close() error {
	return om.tokens.Close()
}

func (om *OperationManager) AuthorizationURL(ctx context.Context) (string, error) {
	return om.auth.AuthorizationURL(ctx)
}

// Authorize exchanges code and records the authenticated flag.
func (om *OperationManager) Authorize(ctx context.Context, code string) error {
	if err := om.auth.Authorize(ctx, code); err != nil {
		return err
	}
	return om.cfg.SetAuthenticated(true)
}

func (om *OperationManager) RequestBackup() *Ticket {
	return om.scheduler.RequestManualBackup()
}

// SetInterval persists d and reschedules the timer.
func (om *OperationManager) SetInterval(d time.Duration) error {
	if err := om.cfg.SetInterval(d); err != nil {
		return err
	}
	om.scheduler.ScheduleRecurring(d)
	return nil
}

func (om *OperationManager) AddWorld(name string) (bool, error) { return om.cfg.AddWorld(name) }

func (om *OperationManager) RemoveWorld(name string) (bool, error) { return om.cfg.RemoveWorld(name) }

func (om *OperationManager) ToggleMods() (bool, error) { return om.cfg.ToggleMods() }

// Status is a snapshot for the status command.
type Status struct {
	Authenticated  bool
	AuthState      string
	Interval       time.Duration
	Worlds         []string
	BackupMods     bool
	LastBackupTime string
	Running        bool
	RemoteBreaker  string
}

func (om *OperationManager) Status(ctx context.Context) Status {
	if err := om.auth.Ready(ctx); err != nil && !errors.Is(err, auth.ErrNotAuthorized) {
		om.log.Warn("credential check failed", "error", err)
	}
	s := om.cfg.Settings()
	return Status{
		Authenticated:  s.Authenticated,
		AuthState:      om.auth.State().String(),
		Interval:       s.Interval(),
		Worlds:         s.WorldsToBackup,
		BackupMods:     s.BackupMods,
		LastBackupTime: s.LastBackupTime,
		Running:        om.scheduler.Running(),
		RemoteBreaker:  om.breaker.State(),
	}
}
