package routes

import (
	"github.com/jfilter/timetiles-sub003/controllers"
	"github.com/jfilter/timetiles-sub003/middleware"
	"github.com/jfilter/timetiles-sub003/models"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine) {
	// API v1 group
	v1 := router.Group("/api/v1")
	{
		// Public routes
		public := v1.Group("")
		{
			public.POST("/login", controllers.Login)

			public.GET("/health", func(c *gin.Context) {
				c.JSON(200, gin.H{
					"status":  "ok",
					"message": "TimeTiles Import API is running",
				})
			})
		}

		// Protected routes (require authentication)
		protected := v1.Group("")
		protected.Use(middleware.AuthMiddleware())
		{
			protected.GET("/profile", controllers.GetProfile)

			// Datasets
			datasets := protected.Group("/datasets")
			{
				datasets.GET("", controllers.GetDatasets)
				datasets.GET("/:id", controllers.GetDataset)
				datasets.GET("/:id/schema-versions", controllers.GetDatasetSchemaVersions)
				datasets.POST("", middleware.RequireRole(models.RoleEditor, models.RoleAdmin), controllers.CreateDataset)
			}

			// Imports
			imports := protected.Group("/imports")
			{
				imports.POST("", middleware.RequireRole(models.RoleEditor, models.RoleAdmin), controllers.CreateImport)
				imports.GET("/:id", controllers.GetImportSource)
			}

			// Import jobs
			jobs := protected.Group("/import-jobs")
			{
				jobs.GET("/:id", controllers.GetImportJob)

				// Editors can retry failed jobs
				jobs.POST("/:id/recover", middleware.RequireRole(models.RoleEditor, models.RoleAdmin), controllers.RecoverJob)

				// Only admins approve schema changes and override stages
				jobs.POST("/:id/approve", middleware.RequireRole(models.RoleAdmin), controllers.ApproveSchema)
				jobs.POST("/:id/override-stage", middleware.RequireRole(models.RoleAdmin), controllers.OverrideStage)
			}

			// Geocoding
			geocode := protected.Group("/geocode")
			{
				geocode.POST("", controllers.GeocodeAddress)
				geocode.POST("/batch", controllers.BatchGeocodeAddresses)
			}
		}
	}

	// 404 handler
	router.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"error": "Route not found"})
	})
}
