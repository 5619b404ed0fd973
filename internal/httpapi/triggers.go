package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/geocoder89/triggerhub/internal/config"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/repo/postgres"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TriggersRepo is the subset of postgres.TriggersRepo the control-plane
// CRUD surface needs; kept narrow so it can be faked in tests.
type TriggersRepo interface {
	GetByID(ctx context.Context, id string) (trigger.Trigger, error)
	ListByOrganization(ctx context.Context, orgID string, limit, offset int) ([]trigger.Trigger, error)
	Create(ctx context.Context, t trigger.Trigger) (trigger.Trigger, error)
	Update(ctx context.Context, t trigger.Trigger) (trigger.Trigger, error)
	Delete(ctx context.Context, id string) error
}

type TriggersHandler struct {
	repo TriggersRepo
}

func NewTriggersHandler(repo TriggersRepo) *TriggersHandler {
	return &TriggersHandler{repo: repo}
}

type TriggerRequest struct {
	Name            string               `json:"name" binding:"required"`
	ChainID         *string              `json:"chainId,omitempty"`
	Registry        *string              `json:"registry,omitempty"`
	EventTypeFilter *string              `json:"eventTypeFilter,omitempty"`
	Enabled         bool                 `json:"enabled"`
	IsStateful      bool                 `json:"isStateful"`
	Conditions      []trigger.Condition  `json:"conditions"`
	Actions         []trigger.ActionSpec `json:"actions" binding:"required,min=1"`
	CircuitConfig   trigger.CircuitConfig `json:"circuitConfig"`
}

// GET /organizations/:orgId/triggers?limit=50&offset=0
func (h *TriggersHandler) List(ctx *gin.Context) {
	orgID := ctx.Param("orgId")
	if _, err := uuid.Parse(orgID); err != nil {
		RespondBadRequest(ctx, "invalid organization id", nil)
		return
	}

	limit := parseInt(ctx.Query("limit"), 50)
	offset := parseInt(ctx.Query("offset"), 0)
	if limit < 1 || limit > 200 {
		RespondBadRequest(ctx, "limit must be between 1 and 200", nil)
		return
	}
	if offset < 0 {
		RespondBadRequest(ctx, "offset must be >= 0", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	items, err := h.repo.ListByOrganization(cctx, orgID, limit, offset)
	if err != nil {
		RespondInternal(ctx, "Could not list triggers")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, gin.H{
		"limit":  limit,
		"offset": offset,
		"count":  len(items),
		"items":  items,
	})
}

// GET /triggers/:id
func (h *TriggersHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		RespondBadRequest(ctx, "invalid trigger id", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	t, err := h.repo.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, postgres.ErrTriggerNotFound) {
			RespondNotFound(ctx, "Trigger not found")
			return
		}
		RespondInternal(ctx, "Could not fetch trigger")
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, t)
}

// POST /organizations/:orgId/triggers
func (h *TriggersHandler) Create(ctx *gin.Context) {
	orgID := ctx.Param("orgId")
	if _, err := uuid.Parse(orgID); err != nil {
		RespondBadRequest(ctx, "invalid organization id", nil)
		return
	}

	var req TriggerRequest
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	t, err := h.repo.Create(cctx, trigger.Trigger{
		OrganizationID:  orgID,
		Name:            req.Name,
		ChainID:         req.ChainID,
		Registry:        req.Registry,
		EventTypeFilter: req.EventTypeFilter,
		Enabled:         req.Enabled,
		IsStateful:      req.IsStateful,
		Conditions:      req.Conditions,
		Actions:         req.Actions,
		CircuitConfig:   req.CircuitConfig,
	})
	if err != nil {
		RespondInternal(ctx, "Could not create trigger")
		return
	}

	ctx.JSON(http.StatusCreated, t)
}

// PUT /triggers/:id?version=3
func (h *TriggersHandler) Update(ctx *gin.Context) {
	id := ctx.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		RespondBadRequest(ctx, "invalid trigger id", nil)
		return
	}

	version := int64(parseInt(ctx.Query("version"), -1))
	if version < 0 {
		RespondBadRequest(ctx, "version query param is required", nil)
		return
	}

	var req TriggerRequest
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	existing, err := h.repo.GetByID(cctx, id)
	if err != nil {
		if errors.Is(err, postgres.ErrTriggerNotFound) {
			RespondNotFound(ctx, "Trigger not found")
			return
		}
		RespondInternal(ctx, "Could not fetch trigger")
		return
	}

	existing.Name = req.Name
	existing.ChainID = req.ChainID
	existing.Registry = req.Registry
	existing.EventTypeFilter = req.EventTypeFilter
	existing.Enabled = req.Enabled
	existing.IsStateful = req.IsStateful
	existing.Conditions = req.Conditions
	existing.Actions = req.Actions
	existing.CircuitConfig = req.CircuitConfig
	existing.Version = version

	updated, err := h.repo.Update(cctx, existing)
	if err != nil {
		if errors.Is(err, postgres.ErrTriggerVersionConflict) {
			RespondConflict(ctx, "version_conflict", "Trigger was modified by someone else; refetch and retry.")
			return
		}
		RespondInternal(ctx, "Could not update trigger")
		return
	}

	ctx.JSON(http.StatusOK, updated)
}

// DELETE /triggers/:id
func (h *TriggersHandler) Delete(ctx *gin.Context) {
	id := ctx.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		RespondBadRequest(ctx, "invalid trigger id", nil)
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	if err := h.repo.Delete(cctx, id); err != nil {
		if errors.Is(err, postgres.ErrTriggerNotFound) {
			RespondNotFound(ctx, "Trigger not found")
			return
		}
		RespondInternal(ctx, "Could not delete trigger")
		return
	}

	ctx.Status(http.StatusNoContent)
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}

	return n
}
