package models

import "time"

// Run is one execution of a job
type Run struct {
	ID         string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	Job        string     `gorm:"type:varchar(32);not null;index" json:"job"`
	Trigger    string     `gorm:"type:varchar(16);not null" json:"trigger"`
	Status     RunStatus  `gorm:"type:varchar(16);not null;index" json:"status"`
	DryRun     bool       `gorm:"not null;default:false" json:"dry_run"`
	StartedAt  time.Time  `gorm:"not null;index:idx_runs_started_at,sort:desc" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`

	// Counters
	FeaturesUpdated    int `gorm:"not null;default:0" json:"features_updated"`
	AttachmentsRenamed int `gorm:"not null;default:0" json:"attachments_renamed"`
	PhotosArchived     int `gorm:"not null;default:0" json:"photos_archived"`

	ReportKey string `gorm:"type:varchar(255)" json:"report_key,omitempty"`
}

// TableName specifies the table name
func (Run) TableName() string {
	return "runs"
}

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run triggers
const (
	TriggerCLI      = "cli"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
)

// Duration returns how long the run took, or zero while it is running
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// EditLog records one remote change made during a run
type EditLog struct {
	ID       uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID    string    `gorm:"type:varchar(36);not null;index" json:"run_id"`
	Layer    string    `gorm:"type:varchar(64);not null;index" json:"layer"`
	ObjectID int64     `gorm:"not null" json:"object_id"`
	Action   string    `gorm:"type:varchar(32);not null" json:"action"`
	Field    string    `gorm:"type:varchar(64)" json:"field,omitempty"`
	OldValue string    `gorm:"type:text" json:"old_value,omitempty"`
	NewValue string    `gorm:"type:text" json:"new_value,omitempty"`
	EditedAt time.Time `gorm:"not null;autoCreateTime;index" json:"edited_at"`
}

// TableName specifies the table name
func (EditLog) TableName() string {
	return "edit_logs"
}

// Edit actions
const (
	ActionGeometry        = "geometry"
	ActionStatus          = "status"
	ActionRenameAttach    = "rename_attachment"
	ActionPictureList     = "picture_list"
	ActionPlannedRename   = "planned_rename"
	ActionPlannedPictures = "planned_picture_list"
)

// ArchivedPhoto records one photo copied to object storage
type ArchivedPhoto struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID      string    `gorm:"type:varchar(36);not null;index" json:"run_id"`
	Layer      string    `gorm:"type:varchar(64);not null;index" json:"layer"`
	ObjectID   int64     `gorm:"not null" json:"object_id"`
	FileName   string    `gorm:"type:varchar(255);not null;index" json:"file_name"`
	Bucket     string    `gorm:"type:varchar(64);not null" json:"bucket"`
	Key        string    `gorm:"type:varchar(512);not null" json:"key"`
	Size       int64     `gorm:"not null;default:0" json:"size"`
	ArchivedAt time.Time `gorm:"not null;autoCreateTime;index" json:"archived_at"`
}

// TableName specifies the table name
func (ArchivedPhoto) TableName() string {
	return "archived_photos"
}
