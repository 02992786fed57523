package handler

import (
	"github.com/gin-gonic/gin"
)

type RouterDeps struct {
	Ingest *IngestHandler
	Stats  *StatsHandler
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.POST("/batches", deps.Ingest.Ingest)
	api.GET("/stats", deps.Stats.Get)
}
