// internal/audit/recorder.go
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bastion/internal/database"
)

// Action names recorded in the audit log. Dotted entity.verb form.
const (
	ActionLogin          = "auth.login"
	ActionServerCreate   = "server.create"
	ActionServerUpdate   = "server.update"
	ActionServerDelete   = "server.delete"
	ActionServerImport   = "server.import"
	ActionServerTest     = "server.test"
	ActionCommandRun     = "command.run"
	ActionCronCreate     = "cron.create"
	ActionCronUpdate     = "cron.update"
	ActionCronDelete     = "cron.delete"
	ActionCronRunNow     = "cron.run_now"
	ActionMonitorCreate  = "monitor.create"
	ActionMonitorUpdate  = "monitor.update"
	ActionMonitorDelete  = "monitor.delete"
	ActionRuleCreate     = "alert_rule.create"
	ActionRuleUpdate     = "alert_rule.update"
	ActionRuleDelete     = "alert_rule.delete"
	ActionAlertAck       = "alert.acknowledge"
	ActionFileRead       = "file.read"
	ActionFileWrite      = "file.write"
	ActionTerminalOpen   = "terminal.open"
	ActionDatabaseQuery  = "database.query"
	ActionSettingsUpdate = "settings.update"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Recorder writes audit entries. Failures are logged and swallowed so an
// audit write can never fail the operation it describes.
type Recorder struct {
	store database.Store
	log   *logrus.Entry
}

func NewRecorder(store database.Store) *Recorder {
	return &Recorder{
		store: store,
		log:   logrus.WithField("component", "audit"),
	}
}

// Record appends one entry to the audit log.
func (r *Recorder) Record(ctx context.Context, actor, action, target, result, detail string) {
	entry := &database.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Result:    result,
		Detail:    detail,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"actor":  actor,
			"action": action,
		}).Error("failed to append audit entry")
	}
}

// Success records a successful action.
func (r *Recorder) Success(ctx context.Context, actor, action, target, detail string) {
	r.Record(ctx, actor, action, target, ResultSuccess, detail)
}

// Failure records a failed action.
func (r *Recorder) Failure(ctx context.Context, actor, action, target, detail string) {
	r.Record(ctx, actor, action, target, ResultFailure, detail)
}
