package worker

import (
	"background-jobs/internal/config"
	"background-jobs/internal/models"
	"background-jobs/internal/store"
)

// Builtins carries the collaborators the built-in handlers need.
type Builtins struct {
	Config    config.Config
	Store     store.Store
	Mailer    Mailer
	Notifier  Notifier
	Artifacts *Artifacts
}

// RegisterBuiltins binds a handler for every built-in job type.
func RegisterBuiltins(reg *Registry, b Builtins) {
	reg.Register(models.TypeEmail, EmailHandler(b.Mailer))
	reg.Register(models.TypeNotification, NotificationHandler(b.Notifier))
	reg.Register(models.TypeDataProcessing, DataProcessingHandler())
	reg.Register(models.TypeCleanup, CleanupHandler(b.Store))
	reg.Register(models.TypeReportGeneration, ReportHandler(b.Store, b.Artifacts))
	reg.Register(models.TypeFileProcessing, NewFileHandler(b.Config, b.Artifacts))
}
