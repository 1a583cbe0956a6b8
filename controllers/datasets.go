package controllers

import (
	"net/http"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type DatasetRequest struct {
	Name string `json:"name" binding:"required"`

	IDStrategy        string   `json:"id_strategy"`
	ExternalIDPath    string   `json:"external_id_path"`
	ComputedHashPaths []string `json:"computed_hash_paths"`
	DedupStrategy     string   `json:"dedup_strategy"`

	SchemaEnabled          *bool   `json:"schema_enabled"`
	SchemaLocked           bool    `json:"schema_locked"`
	AutoGrow               *bool   `json:"auto_grow"`
	AutoApproveNonBreaking *bool   `json:"auto_approve_non_breaking"`
	StrictValidation       bool    `json:"strict_validation"`
	MaxSchemaDepth         int     `json:"max_schema_depth"`
	EnumThreshold          float64 `json:"enum_threshold"`
	EnumMode               string  `json:"enum_mode"`

	AddressFieldPath   string `json:"address_field_path"`
	LatitudeFieldPath  string `json:"latitude_field_path"`
	LongitudeFieldPath string `json:"longitude_field_path"`

	OwnerEmail string `json:"owner_email"`
}

var validIDStrategies = map[string]bool{
	models.IDStrategyExternal: true,
	models.IDStrategyComputed: true,
	models.IDStrategyAuto:     true,
	models.IDStrategyHybrid:   true,
}

var validDedupStrategies = map[string]bool{
	models.DedupSkip:    true,
	models.DedupUpdate:  true,
	models.DedupVersion: true,
}

// CreateDataset creates a dataset with its import configuration.
func CreateDataset(c *gin.Context) {
	var req DatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dataset := datasetFromRequest(&req)
	dataset.ID = uuid.NewString()

	if !validIDStrategies[dataset.IDStrategy] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id_strategy"})
		return
	}
	if !validDedupStrategies[dataset.DedupStrategy] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid dedup_strategy"})
		return
	}
	if dataset.IDStrategy == models.IDStrategyExternal && dataset.ExternalIDPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "external_id_path is required for the external-id strategy"})
		return
	}
	if dataset.IDStrategy == models.IDStrategyComputed && len(dataset.ComputedHashPaths) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "computed_hash_paths is required for the computed-hash strategy"})
		return
	}

	if err := config.DB.Create(dataset).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create dataset"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"dataset": dataset,
		"message": "Dataset created successfully",
	})
}

// GetDataset returns one dataset.
func GetDataset(c *gin.Context) {
	var dataset models.Dataset
	if err := config.DB.Where("id = ?", c.Param("id")).First(&dataset).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Dataset not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dataset": dataset})
}

// GetDatasets lists all datasets.
func GetDatasets(c *gin.Context) {
	var datasets []models.Dataset
	if err := config.DB.Order("created_at DESC").Find(&datasets).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list datasets"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"datasets": datasets})
}

// GetDatasetSchemaVersions lists a dataset's immutable schema versions.
func GetDatasetSchemaVersions(c *gin.Context) {
	var versions []models.DatasetSchemaVersion
	err := config.DB.Where("dataset_id = ?", c.Param("id")).
		Order("version_number DESC").
		Find(&versions).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list schema versions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schema_versions": versions})
}

func datasetFromRequest(req *DatasetRequest) *models.Dataset {
	dataset := &models.Dataset{
		Name:              req.Name,
		IDStrategy:        req.IDStrategy,
		ExternalIDPath:    req.ExternalIDPath,
		ComputedHashPaths: req.ComputedHashPaths,
		DedupStrategy:     req.DedupStrategy,

		SchemaEnabled:          true,
		SchemaLocked:           req.SchemaLocked,
		AutoGrow:               true,
		AutoApproveNonBreaking: true,
		StrictValidation:       req.StrictValidation,
		MaxSchemaDepth:         req.MaxSchemaDepth,
		EnumThreshold:          req.EnumThreshold,
		EnumMode:               req.EnumMode,

		AddressFieldPath:   req.AddressFieldPath,
		LatitudeFieldPath:  req.LatitudeFieldPath,
		LongitudeFieldPath: req.LongitudeFieldPath,

		OwnerEmail: req.OwnerEmail,
	}

	if dataset.IDStrategy == "" {
		dataset.IDStrategy = models.IDStrategyAuto
	}
	if dataset.DedupStrategy == "" {
		dataset.DedupStrategy = models.DedupSkip
	}
	if dataset.MaxSchemaDepth <= 0 {
		dataset.MaxSchemaDepth = 3
	}
	if dataset.EnumThreshold <= 0 {
		dataset.EnumThreshold = 20
	}
	if dataset.EnumMode == "" {
		dataset.EnumMode = models.EnumModeCount
	}
	if req.SchemaEnabled != nil {
		dataset.SchemaEnabled = *req.SchemaEnabled
	}
	if req.AutoGrow != nil {
		dataset.AutoGrow = *req.AutoGrow
	}
	if req.AutoApproveNonBreaking != nil {
		dataset.AutoApproveNonBreaking = *req.AutoApproveNonBreaking
	}
	return dataset
}
