/*
 * @module tracking_client/sql_store
 * @description Database-backed tracking store over sqlite or PostgreSQL
 * @architecture Data access layer - GORM over the tables in sql_models.go
 * @stateFlow tracking URI -> dialector -> open + migrate -> CRUD per store call
 * @rules
 *   - sqlite:///relative.db, sqlite:////absolute.db and sqlite:// (in memory) are accepted
 *   - postgresql+driver:// prefixes are normalised before lib/pq parses the URL
 *   - experiment artifacts live under <artifact root>/<experiment id>
 * @dependencies gorm.io/gorm, gorm.io/driver/sqlite, gorm.io/driver/postgres, github.com/lib/pq
 * @refs sql_models.go, types.go
 */

package tracking_client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"regression-trainer/service/trainerr"
)

// DefaultArtifactRoot is where the SQL store places experiment artifacts when none is configured
const DefaultArtifactRoot = "./mlruns"

// SQLStore keeps tracking data in a relational database
type SQLStore struct {
	db           *gorm.DB
	artifactRoot string
}

// NewSQLStore opens and migrates the database named by a sqlite or postgres tracking URI.
func NewSQLStore(trackingURI, artifactRoot string) (*SQLStore, error) {
	dialector, err := sqlDialector(trackingURI)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, trainerr.Connectivity("open tracking database", err)
	}
	if strings.HasPrefix(trackingURI, "sqlite:") && sqlitePath(trackingURI) == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if err := migrateOrClose(db); err != nil {
		return nil, err
	}
	return NewSQLStoreWithDB(db, artifactRoot), nil
}

// migrateOrClose migrates db and releases its connections when migration fails.
func migrateOrClose(db *gorm.DB) error {
	if err := AutoMigrate(db); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return trainerr.Connectivity("migrate tracking database", err)
	}
	return nil
}

// NewSQLStoreWithDB wraps an already migrated database.
func NewSQLStoreWithDB(db *gorm.DB, artifactRoot string) *SQLStore {
	if artifactRoot == "" {
		artifactRoot = DefaultArtifactRoot
	}
	return &SQLStore{db: db, artifactRoot: strings.TrimRight(artifactRoot, "/")}
}

// DB exposes the underlying connection.
func (s *SQLStore) DB() *gorm.DB {
	return s.db
}

func sqlDialector(trackingURI string) (gorm.Dialector, error) {
	scheme, _, _ := strings.Cut(trackingURI, "://")
	switch {
	case scheme == "sqlite":
		return sqlite.Open(sqlitePath(trackingURI)), nil
	case scheme == "postgres" || scheme == "postgresql" || strings.HasPrefix(scheme, "postgresql+"):
		dsn, err := pq.ParseURL("postgres://" + strings.TrimPrefix(trackingURI, scheme+"://"))
		if err != nil {
			return nil, trainerr.Connectivity("parse tracking database URL", err)
		}
		return postgres.Open(dsn), nil
	default:
		return nil, trainerr.Newf(trainerr.KindConnectivity, "open tracking database", "unsupported database scheme %q", scheme)
	}
}

func sqlitePath(trackingURI string) string {
	rest := strings.TrimPrefix(trackingURI, "sqlite://")
	if rest == "" || rest == "/" || rest == "/:memory:" {
		return ":memory:"
	}
	// sqlite:///foo.db is relative, sqlite:////tmp/foo.db is absolute
	return strings.TrimPrefix(rest, "/")
}

func (s *SQLStore) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	var row SQLExperiment
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, trainerr.Connectivity("get experiment", err)
	}
	return row.toExperiment(), nil
}

func (s *SQLStore) CreateExperiment(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := nowMillis()
		row := SQLExperiment{Name: name, LifecycleStage: "active", CreationTime: now, LastUpdateTime: now}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		id = strconv.FormatInt(row.ExperimentID, 10)
		return tx.Model(&row).Update("artifact_location", s.artifactRoot+"/"+id).Error
	})
	if err != nil {
		return "", trainerr.Connectivity("create experiment", err)
	}
	return id, nil
}

func (s *SQLStore) CreateRun(ctx context.Context, experimentID, runName string, startTime int64, tags []RunTag) (*RunInfo, error) {
	expID, err := strconv.ParseInt(experimentID, 10, 64)
	if err != nil {
		return nil, trainerr.Connectivity("create run", fmt.Errorf("invalid experiment id %q: %w", experimentID, err))
	}

	var run SQLRun
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exp SQLExperiment
		if err := tx.First(&exp, "experiment_id = ?", expID).Error; err != nil {
			return fmt.Errorf("experiment %s: %w", experimentID, err)
		}
		if exp.LifecycleStage != "active" {
			return fmt.Errorf("experiment %s is %s", experimentID, exp.LifecycleStage)
		}

		run = SQLRun{
			Name:           runName,
			ExperimentID:   expID,
			Status:         string(RunStatusRunning),
			StartTime:      startTime,
			LifecycleStage: "active",
		}
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		run.ArtifactURI = exp.ArtifactLocation + "/" + run.RunUUID + "/artifacts"
		if err := tx.Model(&run).Update("artifact_uri", run.ArtifactURI).Error; err != nil {
			return err
		}

		for _, tag := range tags {
			if err := upsertTag(tx, run.RunUUID, tag.Key, tag.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, trainerr.Connectivity("create run", err)
	}
	return run.toRunInfo(), nil
}

func (s *SQLStore) LogParam(ctx context.Context, runID, key, value string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireActiveRun(tx, runID); err != nil {
			return err
		}
		var existing SQLParam
		err := tx.Where(&SQLParam{RunUUID: runID, Key: key}).First(&existing).Error
		if err == nil {
			if existing.Value != value {
				return fmt.Errorf("changing param values is not allowed: param %q was already logged with value %q for run %s",
					key, existing.Value, runID)
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&SQLParam{RunUUID: runID, Key: key, Value: value}).Error
	})
	if err != nil {
		return trainerr.Connectivity("log param "+key, err)
	}
	return nil
}

func (s *SQLStore) SetTag(ctx context.Context, runID, key, value string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := requireActiveRun(tx, runID); err != nil {
			return err
		}
		return upsertTag(tx, runID, key, value)
	})
	if err != nil {
		return trainerr.Connectivity("set tag "+key, err)
	}
	return nil
}

func (s *SQLStore) UpdateRun(ctx context.Context, runID string, status RunStatus, endTime int64) error {
	result := s.db.WithContext(ctx).Model(&SQLRun{}).
		Where("run_uuid = ?", runID).
		Updates(map[string]interface{}{"status": string(status), "end_time": endTime})
	if result.Error != nil {
		return trainerr.Connectivity("update run", result.Error)
	}
	if result.RowsAffected == 0 {
		return trainerr.Newf(trainerr.KindConnectivity, "update run", "run %s not found", runID)
	}
	return nil
}

func (s *SQLStore) CreateRegisteredModel(ctx context.Context, name string) error {
	now := nowMillis()
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SQLRegisteredModel{Name: name, CreationTime: now, LastUpdatedTime: now}).Error
	if err != nil {
		return trainerr.Connectivity("create registered model", err)
	}
	return nil
}

func (s *SQLStore) CreateModelVersion(ctx context.Context, name, source, runID string) (*ModelVersion, error) {
	var row SQLModelVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var registered SQLRegisteredModel
		if err := tx.First(&registered, "name = ?", name).Error; err != nil {
			return fmt.Errorf("registered model %q: %w", name, err)
		}

		var latest int
		if err := tx.Model(&SQLModelVersion{}).
			Where("name = ?", name).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return err
		}

		now := nowMillis()
		row = SQLModelVersion{
			Name:            name,
			Version:         latest + 1,
			Source:          source,
			RunID:           runID,
			Status:          "READY",
			CreationTime:    now,
			LastUpdatedTime: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&registered).Update("last_updated_time", now).Error
	})
	if err != nil {
		return nil, trainerr.Connectivity("create model version", err)
	}
	return &ModelVersion{
		Name:    row.Name,
		Version: strconv.Itoa(row.Version),
		Source:  row.Source,
		RunID:   row.RunID,
		Status:  row.Status,
	}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func requireActiveRun(tx *gorm.DB, runID string) error {
	var run SQLRun
	if err := tx.First(&run, "run_uuid = ?", runID).Error; err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	if run.LifecycleStage != "active" {
		return fmt.Errorf("run %s is %s", runID, run.LifecycleStage)
	}
	return nil
}

func upsertTag(tx *gorm.DB, runID, key, value string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}, {Name: "run_uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&SQLTag{RunUUID: runID, Key: key, Value: value}).Error
}

func (e *SQLExperiment) toExperiment() *Experiment {
	return &Experiment{
		ExperimentID:     strconv.FormatInt(e.ExperimentID, 10),
		Name:             e.Name,
		ArtifactLocation: e.ArtifactLocation,
		LifecycleStage:   e.LifecycleStage,
	}
}

func (r *SQLRun) toRunInfo() *RunInfo {
	return &RunInfo{
		RunID:          r.RunUUID,
		RunName:        r.Name,
		ExperimentID:   strconv.FormatInt(r.ExperimentID, 10),
		Status:         RunStatus(r.Status),
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		ArtifactURI:    r.ArtifactURI,
		LifecycleStage: r.LifecycleStage,
	}
}
