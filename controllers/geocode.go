package controllers

import (
	"errors"
	"net/http"

	"github.com/jfilter/timetiles-sub003/services"

	"github.com/gin-gonic/gin"
)

type GeocodeRequest struct {
	Address string `json:"address" binding:"required"`
}

type BatchGeocodeRequest struct {
	Addresses []string `json:"addresses" binding:"required,min=1"`
}

// GeocodeAddress resolves a single address.
func GeocodeAddress(c *gin.Context) {
	var req GeocodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := geocodingService.Geocode(c.Request.Context(), req.Address)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptyAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Address is empty"})
		case errors.Is(err, services.ErrAllProvidersFailed):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// BatchGeocodeAddresses resolves a list of addresses. Per-address failures
// come back inside the result map.
func BatchGeocodeAddresses(c *gin.Context) {
	var req BatchGeocodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results := geocodingService.BatchGeocode(c.Request.Context(), req.Addresses)
	c.JSON(http.StatusOK, gin.H{"results": results})
}
