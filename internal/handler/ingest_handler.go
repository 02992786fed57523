package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/mnote/internal/pkg/errcode"
	"github.com/xxxsen/mnote/internal/pkg/errors"
	"github.com/xxxsen/mnote/internal/pkg/response"
	"github.com/xxxsen/mnote/internal/processor"
)

// IngestHandler exposes the batch pipeline over HTTP. It is
// intentionally the only write surface this repo has: there is no
// dashboard or query API here, per the engine's stated non-goals.
type IngestHandler struct {
	processor *processor.Processor
}

func NewIngestHandler(p *processor.Processor) *IngestHandler {
	return &IngestHandler{processor: p}
}

type ingestRequest struct {
	BatchID   int64    `json:"batch_id" binding:"required"`
	Question  string   `json:"question" binding:"required"`
	Responses []string `json:"responses" binding:"required"`
}

func (h *IngestHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInputInvalid, err.Error())
		return
	}
	if len(req.Responses) == 0 {
		response.Error(c, errcode.ErrInputInvalid, "responses must not be empty")
		return
	}
	result, err := h.processor.ProcessBatch(c.Request.Context(), processor.Batch{
		ID:       req.BatchID,
		Question: req.Question,
		Texts:    req.Responses,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, result)
}

func handleError(c *gin.Context, err error) {
	response.Error(c, errors.Code(err), err.Error())
}
