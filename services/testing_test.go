package services

import (
	"testing"
	"time"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, config.Migrate(db))
	return db
}

func testSettings() config.PipelineSettings {
	return config.PipelineSettings{
		MaxRetryAttempts:   3,
		RetryBaseDelay:     time.Minute,
		ApprovalTimeout:    time.Hour,
		TaskClaimTimeout:   5 * time.Minute,
		WorkerPollInterval: time.Second,
		CacheSweepInterval: time.Minute,
	}
}

func newTestPipeline(t *testing.T, db *gorm.DB) *PipelineService {
	t.Helper()
	return NewPipelineService(db, NewTaskQueueService(db), nil, testSettings())
}

func createTestDataset(t *testing.T, db *gorm.DB, mutate ...func(*models.Dataset)) *models.Dataset {
	t.Helper()

	dataset := &models.Dataset{
		ID:                     uuid.NewString(),
		Name:                   "city events",
		IDStrategy:             models.IDStrategyAuto,
		DedupStrategy:          models.DedupSkip,
		SchemaEnabled:          true,
		AutoGrow:               true,
		AutoApproveNonBreaking: true,
		MaxSchemaDepth:         3,
		EnumThreshold:          20,
		EnumMode:               models.EnumModeCount,
	}
	for _, m := range mutate {
		m(dataset)
	}
	require.NoError(t, db.Create(dataset).Error)
	return dataset
}

func createTestSource(t *testing.T, db *gorm.DB, datasetID string, sheets int) *models.ImportSource {
	t.Helper()

	source := &models.ImportSource{
		ID:         uuid.NewString(),
		DatasetID:  datasetID,
		Origin:     models.ImportOriginFileUpload,
		SheetCount: sheets,
		Status:     models.ImportSourceStatusProcessing,
	}
	require.NoError(t, db.Create(source).Error)
	return source
}

func reloadJob(t *testing.T, db *gorm.DB, id string) *models.ImportJob {
	t.Helper()

	var job models.ImportJob
	require.NoError(t, db.Where("id = ?", id).First(&job).Error)
	return &job
}
