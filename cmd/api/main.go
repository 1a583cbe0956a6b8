package main

import (
	"log"
	"os"

	"github.com/jfilter/timetiles-sub003/config"
	"github.com/jfilter/timetiles-sub003/controllers"
	"github.com/jfilter/timetiles-sub003/middleware"
	"github.com/jfilter/timetiles-sub003/routes"
	"github.com/jfilter/timetiles-sub003/services"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logFile, _ := config.InitLogging()
	if logFile != nil {
		defer logFile.Close()
	}

	// Initialize database
	config.InitDB()
	if err := config.Migrate(config.DB); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// Wire services
	pipelineSettings := config.LoadPipelineSettings()
	geocodingSettings := config.LoadGeocodingSettings()

	queue := services.NewTaskQueueService(config.DB)
	notify := services.NewNotificationService(config.DB, os.Getenv("WEB_BASE_URL"))
	pipeline := services.NewPipelineService(config.DB, queue, notify, pipelineSettings)
	parser := services.NewSourceParserService(os.Getenv("UPLOAD_PATH"))
	imports := services.NewImportService(config.DB, parser, pipeline)
	geocoding := services.NewGeocodingService(config.DB, geocodingSettings)
	controllers.Init(imports, pipeline, geocoding, parser)

	// Set Gin mode
	ginMode := os.Getenv("GIN_MODE")
	if ginMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create Gin router
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Add security headers middleware
	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Add CORS middleware
	router.Use(middleware.CORSMiddleware())

	// Setup routes
	routes.SetupRoutes(router)

	// Create upload directory if not exists
	if err := os.MkdirAll(parser.UploadDir(), os.ModePerm); err != nil {
		log.Printf("Warning: Failed to create upload directory: %v", err)
	}

	// Start server
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
