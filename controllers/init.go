package controllers

import (
	"github.com/jfilter/timetiles-sub003/services"
)

var (
	importService    *services.ImportService
	pipelineService  *services.PipelineService
	geocodingService *services.GeocodingService
	parserService    *services.SourceParserService
)

// Init wires the controller layer to its services. Called once from main
// after the database is up.
func Init(imports *services.ImportService, pipeline *services.PipelineService, geocoding *services.GeocodingService, parser *services.SourceParserService) {
	importService = imports
	pipelineService = pipeline
	geocodingService = geocoding
	parserService = parser
}
