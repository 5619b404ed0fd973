package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/geocoder89/triggerhub/internal/config"
	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ActionResultsRepo is the query-side subset of postgres.ActionResultsRepo
// exposed to operators inspecting why a job's attempts failed.
type ActionResultsRepo interface {
	ListByJob(ctx context.Context, jobID string) ([]actionjob.Result, error)
}

type ActionResultsHandler struct {
	repo ActionResultsRepo
}

func NewActionResultsHandler(repo ActionResultsRepo) *ActionResultsHandler {
	return &ActionResultsHandler{repo: repo}
}

// GET /admin/action-jobs/:id/results
func (h *ActionResultsHandler) ListByJob(ctx *gin.Context) {
	jobID := ctx.Param("id")
	if _, err := uuid.Parse(jobID); err != nil {
		RespondBadRequest(ctx, "invalid job id", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	results, err := h.repo.ListByJob(cctx, jobID)
	if err != nil {
		RespondInternal(ctx, "Could not fetch action results")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"jobId":   jobID,
		"count":   len(results),
		"results": results,
	})
}
