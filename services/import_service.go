package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrDatasetNotFound = errors.New("dataset not found")

// ImportService registers new import sources and fans them out into jobs.
type ImportService struct {
	db       *gorm.DB
	parser   *SourceParserService
	pipeline *PipelineService
}

func NewImportService(db *gorm.DB, parser *SourceParserService, pipeline *PipelineService) *ImportService {
	if db == nil {
		db = config.DB
	}
	return &ImportService{db: db, parser: parser, pipeline: pipeline}
}

// RegisterFile records an already stored upload as an import source and
// creates its per-sheet jobs.
func (s *ImportService) RegisterFile(ctx context.Context, datasetID, originalName, storedPath string, fileSize int64, uploadedBy int) (*models.ImportSource, []*models.ImportJob, error) {
	if err := s.datasetExists(ctx, datasetID); err != nil {
		return nil, nil, err
	}

	sheets, err := s.parser.SheetCount(storedPath)
	if err != nil {
		return nil, nil, err
	}

	source := &models.ImportSource{
		ID:           uuid.NewString(),
		DatasetID:    datasetID,
		Origin:       models.ImportOriginFileUpload,
		OriginalName: originalName,
		StoredPath:   storedPath,
		FileSize:     fileSize,
		SheetCount:   sheets,
		Status:       models.ImportSourceStatusProcessing,
		UploadedBy:   uploadedBy,
	}
	return s.create(ctx, source)
}

// RegisterURL records a url-fetch source. The file is downloaded before the
// jobs are created so sheet fan-out sees the real workbook.
func (s *ImportService) RegisterURL(ctx context.Context, datasetID, sourceURL string, uploadedBy int) (*models.ImportSource, []*models.ImportJob, error) {
	if err := s.datasetExists(ctx, datasetID); err != nil {
		return nil, nil, err
	}

	source := &models.ImportSource{
		ID:         uuid.NewString(),
		DatasetID:  datasetID,
		Origin:     models.ImportOriginURLFetch,
		SourceURL:  sourceURL,
		Status:     models.ImportSourceStatusProcessing,
		UploadedBy: uploadedBy,
	}
	if err := s.parser.FetchToFile(ctx, source); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch source URL: %w", err)
	}

	sheets, err := s.parser.SheetCount(source.StoredPath)
	if err != nil {
		return nil, nil, err
	}
	source.SheetCount = sheets

	return s.create(ctx, source)
}

func (s *ImportService) create(ctx context.Context, source *models.ImportSource) (*models.ImportSource, []*models.ImportJob, error) {
	if err := s.db.WithContext(ctx).Create(source).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to create import source: %w", err)
	}
	jobs, err := s.pipeline.CreateJobsForSource(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	return source, jobs, nil
}

func (s *ImportService) datasetExists(ctx context.Context, datasetID string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Dataset{}).Where("id = ?", datasetID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrDatasetNotFound
	}
	return nil
}

// GetSource loads an import source with its jobs.
func (s *ImportService) GetSource(ctx context.Context, sourceID string) (*models.ImportSource, []models.ImportJob, error) {
	var source models.ImportSource
	err := s.db.WithContext(ctx).Where("id = ?", sourceID).First(&source).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, errors.New("import source not found")
	}
	if err != nil {
		return nil, nil, err
	}

	var jobs []models.ImportJob
	err = s.db.WithContext(ctx).
		Where("import_source_id = ?", sourceID).
		Order("sheet_index ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, nil, err
	}
	return &source, jobs, nil
}
