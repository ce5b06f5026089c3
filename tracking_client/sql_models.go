/*
 * @module tracking_client/sql_models
 * @description GORM models for the database-backed tracking store
 * @architecture Data model layer - one table per tracking entity
 * @rules
 *   - run ids are uuids rendered as 32 lowercase hex characters
 *   - a param key is written once per run
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs sql_store.go
 */

package tracking_client

import (
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SQLExperiment is a row of the experiments table
type SQLExperiment struct {
	ExperimentID     int64  `gorm:"column:experiment_id;primaryKey;autoIncrement" json:"experiment_id"`
	Name             string `gorm:"column:name;size:256;not null;uniqueIndex" json:"name"`
	ArtifactLocation string `gorm:"column:artifact_location;size:256" json:"artifact_location"`
	LifecycleStage   string `gorm:"column:lifecycle_stage;size:32;default:active" json:"lifecycle_stage"`
	CreationTime     int64  `gorm:"column:creation_time" json:"creation_time"`
	LastUpdateTime   int64  `gorm:"column:last_update_time" json:"last_update_time"`
}

func (SQLExperiment) TableName() string {
	return "experiments"
}

// SQLRun is a row of the runs table
type SQLRun struct {
	RunUUID        string `gorm:"column:run_uuid;primaryKey;size:32" json:"run_uuid"`
	Name           string `gorm:"column:name;size:250" json:"name"`
	ExperimentID   int64  `gorm:"column:experiment_id;index" json:"experiment_id"`
	Status         string `gorm:"column:status;size:9" json:"status"`
	StartTime      int64  `gorm:"column:start_time" json:"start_time"`
	EndTime        int64  `gorm:"column:end_time" json:"end_time"`
	ArtifactURI    string `gorm:"column:artifact_uri;size:200" json:"artifact_uri"`
	LifecycleStage string `gorm:"column:lifecycle_stage;size:20;default:active" json:"lifecycle_stage"`
}

func (SQLRun) TableName() string {
	return "runs"
}

// BeforeCreate assigns a run id when none is set
func (r *SQLRun) BeforeCreate(tx *gorm.DB) error {
	if r.RunUUID == "" {
		r.RunUUID = strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	if r.Status == "" {
		r.Status = string(RunStatusRunning)
	}
	return nil
}

// SQLParam is a row of the params table
type SQLParam struct {
	Key     string `gorm:"column:key;primaryKey;size:250" json:"key"`
	Value   string `gorm:"column:value;size:8000;not null" json:"value"`
	RunUUID string `gorm:"column:run_uuid;primaryKey;size:32" json:"run_uuid"`
}

func (SQLParam) TableName() string {
	return "params"
}

// SQLTag is a row of the tags table
type SQLTag struct {
	Key     string `gorm:"column:key;primaryKey;size:250" json:"key"`
	Value   string `gorm:"column:value;size:8000" json:"value"`
	RunUUID string `gorm:"column:run_uuid;primaryKey;size:32" json:"run_uuid"`
}

func (SQLTag) TableName() string {
	return "tags"
}

// SQLRegisteredModel is a row of the registered_models table
type SQLRegisteredModel struct {
	Name            string `gorm:"column:name;primaryKey;size:256" json:"name"`
	CreationTime    int64  `gorm:"column:creation_time" json:"creation_time"`
	LastUpdatedTime int64  `gorm:"column:last_updated_time" json:"last_updated_time"`
}

func (SQLRegisteredModel) TableName() string {
	return "registered_models"
}

// SQLModelVersion is a row of the model_versions table
type SQLModelVersion struct {
	Name            string `gorm:"column:name;primaryKey;size:256" json:"name"`
	Version         int    `gorm:"column:version;primaryKey;autoIncrement:false" json:"version"`
	Source          string `gorm:"column:source;size:500" json:"source"`
	RunID           string `gorm:"column:run_id;size:32" json:"run_id"`
	Status          string `gorm:"column:status;size:20" json:"status"`
	CreationTime    int64  `gorm:"column:creation_time" json:"creation_time"`
	LastUpdatedTime int64  `gorm:"column:last_updated_time" json:"last_updated_time"`
}

func (SQLModelVersion) TableName() string {
	return "model_versions"
}

// AutoMigrate creates or updates the tracking tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SQLExperiment{},
		&SQLRun{},
		&SQLParam{},
		&SQLTag{},
		&SQLRegisteredModel{},
		&SQLModelVersion{},
	)
}
