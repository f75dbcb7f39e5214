package service

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/alerting"
	"github.com/envmon/envmon/internal/cloud"
	"github.com/envmon/envmon/internal/repository"
	"github.com/envmon/envmon/internal/vendor"
)

type Options struct {
	Registry *vendor.Registry
	// Events receives ReadingReceived; nil disables alert evaluation.
	Events EventPublisher
	// Cloud enables SNS notifications, the DynamoDB notification log and the
	// S3 raw archive. Without it notifications are only logged.
	Cloud *cloud.Clients

	DefaultAckNotifyInterval time.Duration
	Logger                   zerolog.Logger
}

type Services struct {
	Repos      *repository.Repos
	Ingestion  *ReadingIngestionService
	Push       *PushService
	Config     *ConfigPushService
	Alerts     *alerting.Service
	Evaluation *AlertEvaluationHandler
	// Reconciler is nil when Options.Events is nil.
	Reconciler *Reconciler
}

func New(db *sqlx.DB, opts Options) *Services {
	repos := repository.New(db)
	registry := opts.Registry
	if registry == nil {
		registry = vendor.DefaultRegistry()
	}

	var (
		notifier alerting.Notifier = LogNotifier{Log: opts.Logger}
		archive  RawArchiver
	)
	if opts.Cloud != nil {
		notifier = NewCloudNotifier(opts.Cloud.SNS, opts.Cloud.Notifications, repos, opts.Logger)
		archive = opts.Cloud.Archive
	}

	ingestion := NewReadingIngestionService(repos, registry, opts.Events, archive, opts.Logger)
	alerts := alerting.NewService(repos, notifier, opts.Logger, opts.DefaultAckNotifyInterval)
	var reconciler *Reconciler
	if opts.Events != nil {
		reconciler = NewReconciler(repos, opts.Events, opts.Logger)
	}
	return &Services{
		Repos:      repos,
		Ingestion:  ingestion,
		Push:       NewPushService(ingestion, repos, registry, opts.Logger),
		Config:     NewConfigPushService(repos, registry, opts.Logger),
		Alerts:     alerts,
		Evaluation: NewAlertEvaluationHandler(repos, alerts, opts.Logger),
		Reconciler: reconciler,
	}
}
