package controllers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var allowedUploadExtensions = map[string]bool{
	".csv":  true,
	".xlsx": true,
	".json": true,
}

type RegisterURLRequest struct {
	DatasetID string `json:"dataset_id" binding:"required"`
	URL       string `json:"url" binding:"required,url"`
}

// CreateImport registers a new import source. Multipart requests carry an
// uploaded file; JSON requests carry a URL to fetch.
func CreateImport(c *gin.Context) {
	userID := c.GetInt("userID")

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		createImportFromUpload(c, userID)
		return
	}

	var req RegisterURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source, jobs, err := importService.RegisterURL(c.Request.Context(), req.DatasetID, req.URL, userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"import_source": source,
		"jobs":          jobs,
		"message":       "Import registered successfully",
	})
}

func createImportFromUpload(c *gin.Context, userID int) {
	datasetID := c.PostForm("dataset_id")
	if datasetID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dataset_id is required"})
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedUploadExtensions[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported file type. Allowed: csv, xlsx, json"})
		return
	}

	uploadDir := parserService.UploadDir()
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to prepare upload directory"})
		return
	}

	storedPath := filepath.Join(uploadDir, uuid.NewString()+ext)
	if err := c.SaveUploadedFile(file, storedPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save uploaded file"})
		return
	}

	source, jobs, err := importService.RegisterFile(c.Request.Context(), datasetID, file.Filename, storedPath, file.Size, userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"import_source": source,
		"jobs":          jobs,
		"message":       "Import registered successfully",
	})
}

// GetImportSource returns one import source with its jobs.
func GetImportSource(c *gin.Context) {
	source, jobs, err := importService.GetSource(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"import_source": source,
		"jobs":          jobs,
	})
}
