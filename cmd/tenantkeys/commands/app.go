package commands

import (
	"context"
	"fmt"

	"github.com/systmms/tenantkeys/internal/audit"
	"github.com/systmms/tenantkeys/internal/bus"
	"github.com/systmms/tenantkeys/internal/catalog"
	"github.com/systmms/tenantkeys/internal/config"
	dserrors "github.com/systmms/tenantkeys/internal/errors"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/internal/metrics"
	"github.com/systmms/tenantkeys/internal/secretstores"
	"github.com/systmms/tenantkeys/internal/usagelog"
	"github.com/systmms/tenantkeys/pkg/adapter"
	"github.com/systmms/tenantkeys/pkg/keymgr"
	"github.com/systmms/tenantkeys/pkg/secretstore"
	"github.com/systmms/tenantkeys/pkg/usage"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg       *config.Config
	def       *config.Definition
	logger    *logging.Logger
	metrics   *metrics.Metrics
	registry  *adapter.Registry
	store     *secretstore.Store
	catalog   *catalog.FileCatalog
	publisher bus.Publisher
	recorder  *audit.Recorder
	manager   *keymgr.Manager
	meter     *usage.Meter
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	def := cfg.Definition

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(false, false)
	}
	m := metrics.Default()

	registry, err := adapter.NewRegistry(adapter.BuiltinWithBaseURLs(def.BaseURLs())...)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter registry: %w", err)
	}

	backend, err := secretstores.NewRegistry().Create(def.Backend, logger)
	if err != nil {
		return nil, dserrors.BackendError(def.Backend.Type, "initialization", err)
	}
	storeOpts := []secretstore.Option{
		secretstore.WithTTL(def.Cache.TTL),
		secretstore.WithCacheObserver(m),
	}
	if def.Backend.Namespace != "" {
		storeOpts = append(storeOpts, secretstore.WithNamespace(def.Backend.Namespace))
	}
	store := secretstore.New(backend, storeOpts...)

	publisher, err := bus.NewPublisher(def.Bus, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to connect to %s bus: %w", def.Bus.Type, err)
	}

	recorder := audit.NewRecorder(publisher, def.Bus.AccessTopic,
		audit.WithLogger(logger),
		audit.WithDropCounter(m),
	)
	recorder.Start(ctx)

	cat := catalog.NewFileCatalog(def.Catalog.Path)

	manager := keymgr.New(registry, store,
		keymgr.WithAdminSource(keymgr.StoreAdminSource{Store: store}),
		keymgr.WithCatalog(cat),
		keymgr.WithAccessRecorder(recorder),
		keymgr.WithObserver(m),
		keymgr.WithLogger(logger),
		keymgr.WithSharedEnvFallback(def.SharedEnvFallback),
	)

	meter := usage.NewMeter(registry, publisher, def.Bus.UsageTopic, usage.NewFallbackLog(def.Usage.FallbackLog, usage.WithFallbackLogger(logger)),
		usage.WithLogger(logger),
		usage.WithObserver(m),
	)

	return &app{
		cfg:       cfg,
		def:       def,
		logger:    logger,
		metrics:   m,
		registry:  registry,
		store:     store,
		catalog:   cat,
		publisher: publisher,
		recorder:  recorder,
		manager:   manager,
		meter:     meter,
	}, nil
}

// Close flushes the audit queue and releases connections and sealed
// cache memory.
func (a *app) Close() {
	a.recorder.Stop()
	if err := a.publisher.Close(); err != nil {
		a.logger.Debug("Closing bus publisher: %v", err)
	}
	a.store.Close()
}

// secretValue returns value, or the secret it points at when it is a
// store:// reference.
func (a *app) secretValue(ctx context.Context, field, value string) (string, error) {
	if !secretstore.IsRef(value) {
		return value, nil
	}
	ref, err := secretstore.ParseRef(value)
	if err != nil {
		return "", dserrors.ConfigError{Field: field, Value: value, Message: err.Error()}
	}
	rec, err := a.store.Resolve(ctx, ref)
	if err != nil {
		return "", dserrors.UserError{
			Message:    fmt.Sprintf("Failed to resolve %s", field),
			Details:    err.Error(),
			Suggestion: fmt.Sprintf("Store the value under '%s' in the %s backend", ref.Name, a.store.Namespace()),
			Err:        err,
		}
	}
	return rec.Value, nil
}

func (a *app) openUsageLog(ctx context.Context) (*usagelog.Log, error) {
	if a.def.Usage.Log.Driver == "" {
		return nil, dserrors.ConfigError{
			Field:      "usage.log.driver",
			Message:    "no usage log database configured",
			Suggestion: "Set 'driver:' and 'dsn:' under 'usage: log:'",
		}
	}
	dsn, err := a.secretValue(ctx, "usage.log.dsn", a.def.Usage.Log.DSN)
	if err != nil {
		return nil, err
	}
	return usagelog.Open(a.def.Usage.Log, dsn, a.logger)
}
