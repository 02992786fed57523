package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mnote/internal/pkg/response"
	"github.com/xxxsen/mnote/internal/store"
)

// StatsHandler reports coarse catalog sizes. It exists for
// operational visibility only, not as a query surface over themes or
// responses.
type StatsHandler struct {
	store *store.Store
}

func NewStatsHandler(s *store.Store) *StatsHandler {
	return &StatsHandler{store: s}
}

func (h *StatsHandler) Get(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, stats)
}
