package task

import (
	"time"

	"gorm.io/datatypes"
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

// Task describes a periodic maintenance task.
type Task struct {
	ID          string    `gorm:"column:id;primaryKey"`
	Name        string    `gorm:"column:name;uniqueIndex;type:varchar(100);not null"`
	Description string    `gorm:"column:description;type:text"`
	Schedule    string    `gorm:"column:schedule;type:varchar(50)"` // interval, e.g. "1h0m0s"
	IsActive    bool      `gorm:"column:is_active;default:true"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
	Jobs        []Job     `gorm:"foreignKey:TaskID;references:Name"`
}

// Job is an execution record of a task.
type Job struct {
	ID          string         `gorm:"column:id;primaryKey"`
	TaskID      string         `gorm:"column:task_id;index;not null"`
	Status      string         `gorm:"column:status;type:varchar(20);default:'pending'"` // pending|running|success|failed
	ErrorMsg    string         `gorm:"column:error_msg;type:text"`
	StartedAt   *time.Time     `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
}

type SweepResult struct {
	Deleted int64     `json:"deleted"`
	Cutoff  time.Time `json:"cutoff"`
}
