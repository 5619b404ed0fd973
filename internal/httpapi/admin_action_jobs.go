package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/geocoder89/triggerhub/internal/config"
	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/geocoder89/triggerhub/internal/repo/postgres"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AdminActionJobsRepo is the admin-facing subset of postgres.ActionJobsRepo,
// generalized from the teacher's AdminJobsRepo onto actionjob.Job with
// keyset rather than offset pagination.
type AdminActionJobsRepo interface {
	ListCursor(ctx context.Context, status *string, limit int, afterUpdatedAt time.Time, afterID string) (items []actionjob.Job, nextCursor *string, hasMore bool, err error)
	GetByID(ctx context.Context, id string) (actionjob.Job, error)
	Retry(ctx context.Context, id string) error
	RetryManyFailed(ctx context.Context, limit int) (int64, error)
}

type AdminActionJobsHandler struct {
	repo AdminActionJobsRepo
}

func NewAdminActionJobsHandler(repo AdminActionJobsRepo) *AdminActionJobsHandler {
	return &AdminActionJobsHandler{repo: repo}
}

// GET /admin/action-jobs?status=failed&limit=50&cursor=<updatedAtUnixNano>:<id>
func (h *AdminActionJobsHandler) List(ctx *gin.Context) {
	limit := parseInt(ctx.Query("limit"), 50)
	if limit < 1 || limit > 200 {
		RespondBadRequest(ctx, "limit must be between 1 and 200", nil)
		return
	}

	var statusPtr *string
	if s := ctx.Query("status"); s != "" {
		statusPtr = &s
	}

	afterUpdatedAt, afterID, err := decodeJobCursor(ctx.Query("cursor"))
	if err != nil {
		RespondBadRequest(ctx, "invalid cursor", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, nextCursor, hasMore, err := h.repo.ListCursor(cctx, statusPtr, limit, afterUpdatedAt, afterID)
	if err != nil {
		RespondInternal(ctx, "Could not list action jobs")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"count":      len(items),
		"items":      items,
		"nextCursor": nextCursor,
		"hasMore":    hasMore,
	})
}

// GET /admin/action-jobs/:id
func (h *AdminActionJobsHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		RespondBadRequest(ctx, "invalid job id", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	j, err := h.repo.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, actionjob.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}
		RespondInternal(ctx, "Could not fetch job")
		return
	}

	ctx.JSON(http.StatusOK, j)
}

// POST /admin/action-jobs/:id/retry
func (h *AdminActionJobsHandler) Retry(ctx *gin.Context) {
	id := ctx.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		RespondBadRequest(ctx, "invalid job id", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	if err := h.repo.Retry(cctx, id); err != nil {
		if errors.Is(err, actionjob.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}
		if errors.Is(err, postgres.ErrJobNotFailed) {
			RespondConflict(ctx, "job_not_failed", "Only failed jobs can be retried")
			return
		}
		RespondInternal(ctx, "Could not retry job")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"jobId":  id,
		"status": string(actionjob.StatusPending),
	})
}

// POST /admin/action-jobs/reprocess-dead?limit=50
func (h *AdminActionJobsHandler) ReprocessDead(ctx *gin.Context) {
	limit := 50
	if s := ctx.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			RespondBadRequest(ctx, "limit must be a number", nil)
			return
		}
		limit = n
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	n, err := h.repo.RetryManyFailed(cctx, limit)
	if err != nil {
		RespondInternal(ctx, "Could not reprocess dead jobs")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"requeued": n})
}

// firstPageCursor is the sentinel fed to ListCursor's "(updated_at, id) <
// (afterUpdatedAt, afterID)" keyset predicate for an uncursored first
// page: far enough in the future that it admits every real row, since
// the listing orders updated_at DESC.
func firstPageCursor() (time.Time, string) {
	return time.Now().UTC().AddDate(100, 0, 0), "\xff"
}

// decodeJobCursor parses the opaque "<unixnano>:<id>" cursor format
// ActionJobsRepo.ListCursor hands back as nextCursor. An empty string is
// the first page.
func decodeJobCursor(raw string) (time.Time, string, error) {
	if raw == "" {
		ts, id := firstPageCursor()
		return ts, id, nil
	}

	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			nanos, err := strconv.ParseInt(raw[:i], 10, 64)
			if err != nil {
				return time.Time{}, "", err
			}
			return time.Unix(0, nanos).UTC(), raw[i+1:], nil
		}
	}

	return time.Time{}, "", errors.New("malformed cursor")
}
