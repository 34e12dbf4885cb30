package tasking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/depotworks/depot/internal/reservation"
	"github.com/depotworks/depot/internal/storage"
)

// Built-in maintenance function names. The daemon registers them at startup
// and the default config schedules them.
const (
	PurgeTasksFunction  = "maintenance.purge-tasks"
	BackupStoreFunction = "maintenance.backup-store"
)

// Maintenance reservation keys. Dispatches of the built-ins declare these
// exclusively so two purges or two backups never overlap.
var (
	PurgeKey  = reservation.Key("maintenance:purge")
	BackupKey = reservation.Key("maintenance:backup")
)

const purgeArgsSchema = `{
	"type": "object",
	"properties": {
		"task_days": {"type": "integer", "minimum": 0},
		"task_event_days": {"type": "integer", "minimum": 0},
		"audit_log_days": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

const backupArgsSchema = `{
	"type": "object",
	"properties": {
		"dest": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

type purgeArgs struct {
	TaskDays      int `json:"task_days"`
	TaskEventDays int `json:"task_event_days"`
	AuditLogDays  int `json:"audit_log_days"`
}

type backupArgs struct {
	Dest string `json:"dest"`
}

// MaintenanceConfig carries the daemon defaults for the built-in handlers.
// Zero day counts disable the corresponding purge.
type MaintenanceConfig struct {
	TaskRetentionDays      int
	TaskEventRetentionDays int
	AuditLogRetentionDays  int
	BackupDir              string
}

// RegisterMaintenance registers the built-in purge and backup handlers.
// Purge is restart-safe: re-running a half-finished purge deletes nothing
// twice. Backup is not: an orphaned backup is failed and retried on the next
// schedule firing rather than resumed.
func RegisterMaintenance(reg *Registry, store *storage.Store, cfg MaintenanceConfig) error {
	purge := func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		args := purgeArgs{
			TaskDays:      cfg.TaskRetentionDays,
			TaskEventDays: cfg.TaskEventRetentionDays,
			AuditLogDays:  cfg.AuditLogRetentionDays,
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode purge args: %w", err)
			}
		}
		res, err := store.RunRetention(ctx, args.TaskDays, args.TaskEventDays, args.AuditLogDays)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int64{
			"purged_tasks":       res.PurgedTasks,
			"purged_task_events": res.PurgedTaskEvents,
			"purged_audit_logs":  res.PurgedAuditLogs,
		})
	}
	if err := reg.Register(PurgeTasksFunction, purge,
		WithDescription("delete terminal tasks, their events and old audit rows past retention"),
		WithArgsSchema(purgeArgsSchema),
		WithRestartSafe(),
	); err != nil {
		return err
	}

	backup := func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var args backupArgs
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode backup args: %w", err)
			}
		}
		dest := args.Dest
		if dest == "" {
			if cfg.BackupDir == "" {
				return nil, fmt.Errorf("no backup destination configured")
			}
			stamp := time.Now().UTC().Format("20060102-150405")
			dest = filepath.Join(cfg.BackupDir, "depot-"+stamp+".db")
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("create backup directory: %w", err)
		}
		if err := store.Backup(ctx, dest); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"path": dest})
	}
	if err := reg.Register(BackupStoreFunction, backup,
		WithDescription("write a consistent database snapshot via VACUUM INTO"),
		WithArgsSchema(backupArgsSchema),
	); err != nil {
		return err
	}
	return nil
}
