package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/repo/postgres"
	"github.com/gin-gonic/gin"
)

type fakeTriggersRepo struct {
	byID    map[string]trigger.Trigger
	created trigger.Trigger
	updated trigger.Trigger
	deleted string
	updErr  error
}

func newFakeTriggersRepo() *fakeTriggersRepo {
	return &fakeTriggersRepo{byID: map[string]trigger.Trigger{}}
}

func (f *fakeTriggersRepo) GetByID(ctx context.Context, id string) (trigger.Trigger, error) {
	t, ok := f.byID[id]
	if !ok {
		return trigger.Trigger{}, postgres.ErrTriggerNotFound
	}
	return t, nil
}

func (f *fakeTriggersRepo) ListByOrganization(ctx context.Context, orgID string, limit, offset int) ([]trigger.Trigger, error) {
	var out []trigger.Trigger
	for _, t := range f.byID {
		if t.OrganizationID == orgID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTriggersRepo) Create(ctx context.Context, t trigger.Trigger) (trigger.Trigger, error) {
	t.TriggerID = "new-trigger"
	f.created = t
	f.byID[t.TriggerID] = t
	return t, nil
}

func (f *fakeTriggersRepo) Update(ctx context.Context, t trigger.Trigger) (trigger.Trigger, error) {
	if f.updErr != nil {
		return trigger.Trigger{}, f.updErr
	}
	f.updated = t
	f.byID[t.TriggerID] = t
	return t, nil
}

func (f *fakeTriggersRepo) Delete(ctx context.Context, id string) error {
	f.deleted = id
	delete(f.byID, id)
	return nil
}

func newTestContext(method, target string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	ctx.Request = req
	return ctx, w
}

func TestTriggersCreate_BuildsTriggerUnderOrganization(t *testing.T) {
	repo := newFakeTriggersRepo()
	h := NewTriggersHandler(repo)

	orgID := "11111111-1111-1111-1111-111111111111"
	body, _ := json.Marshal(TriggerRequest{
		Name:    "watch transfers",
		Enabled: true,
		Actions: []trigger.ActionSpec{{Type: trigger.ActionHTTP, HTTPMethod: "POST", HTTPURL: "https://example.com/hook"}},
	})

	ctx, w := newTestContext(http.MethodPost, "/organizations/"+orgID+"/triggers", body)
	ctx.Params = gin.Params{{Key: "orgId", Value: orgID}}

	h.Create(ctx)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if repo.created.OrganizationID != orgID {
		t.Fatalf("expected trigger created under org %s, got %q", orgID, repo.created.OrganizationID)
	}
}

func TestTriggersCreate_RejectsInvalidOrgID(t *testing.T) {
	repo := newFakeTriggersRepo()
	h := NewTriggersHandler(repo)

	ctx, w := newTestContext(http.MethodPost, "/organizations/not-a-uuid/triggers", []byte(`{}`))
	ctx.Params = gin.Params{{Key: "orgId", Value: "not-a-uuid"}}

	h.Create(ctx)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid organization id, got %d", w.Code)
	}
}

func TestTriggersCreate_RejectsMissingActions(t *testing.T) {
	repo := newFakeTriggersRepo()
	h := NewTriggersHandler(repo)

	orgID := "11111111-1111-1111-1111-111111111111"
	body, _ := json.Marshal(map[string]any{"name": "no actions", "enabled": true})

	ctx, w := newTestContext(http.MethodPost, "/organizations/"+orgID+"/triggers", body)
	ctx.Params = gin.Params{{Key: "orgId", Value: orgID}}

	h.Create(ctx)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a trigger with no actions, got %d", w.Code)
	}
}

func TestTriggersGetByID_NotFound(t *testing.T) {
	repo := newFakeTriggersRepo()
	h := NewTriggersHandler(repo)

	id := "22222222-2222-2222-2222-222222222222"
	ctx, w := newTestContext(http.MethodGet, "/triggers/"+id, nil)
	ctx.Params = gin.Params{{Key: "id", Value: id}}

	h.GetByID(ctx)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestTriggersUpdate_VersionConflictReturnsConflict(t *testing.T) {
	repo := newFakeTriggersRepo()
	repo.updErr = postgres.ErrTriggerVersionConflict
	id := "33333333-3333-3333-3333-333333333333"
	repo.byID[id] = trigger.Trigger{TriggerID: id, Version: 1}
	h := NewTriggersHandler(repo)

	body, _ := json.Marshal(TriggerRequest{Name: "renamed", Actions: []trigger.ActionSpec{{Type: trigger.ActionHTTP}}})
	ctx, w := newTestContext(http.MethodPut, "/triggers/"+id+"?version=1", body)
	ctx.Params = gin.Params{{Key: "id", Value: id}}

	h.Update(ctx)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on version conflict, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTriggersDelete_RemovesTrigger(t *testing.T) {
	repo := newFakeTriggersRepo()
	id := "44444444-4444-4444-4444-444444444444"
	repo.byID[id] = trigger.Trigger{TriggerID: id}
	h := NewTriggersHandler(repo)

	ctx, w := newTestContext(http.MethodDelete, "/triggers/"+id, nil)
	ctx.Params = gin.Params{{Key: "id", Value: id}}

	h.Delete(ctx)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if repo.deleted != id {
		t.Fatalf("expected trigger %s deleted, got %q", id, repo.deleted)
	}
}
