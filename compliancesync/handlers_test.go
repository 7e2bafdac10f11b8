package compliancesync_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/compliance_backend/compliancesync"
	"github.com/mmdatafocus/compliance_backend/sources"
	"github.com/mmdatafocus/compliance_backend/testutil"
)

func newRouter(o *compliancesync.Orchestrator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/compliance")
	api.POST("/sync", compliancesync.TriggerSyncHandler(o))
	api.GET("/sync-runs", compliancesync.SyncHistoryHandler(o))
	api.GET("/sync-runs/:id", compliancesync.SyncRunDetailHandler(o))
	api.GET("/sync-state", compliancesync.SyncStateHandler(o))
	r.POST("/pubsub/compliance-sync", compliancesync.PubSubPushHandler(o))
	return r
}

func do(r http.Handler, method, path, orgId string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if orgId != "" {
		req.Header.Set("x-org-id", orgId)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTriggerSyncHandler(t *testing.T) {
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	o := newOrchestrator(t, db, sources.Registry{
		sources.DobElevatorDevices: staticProvider(nil, elevatorDevice()),
	})
	r := newRouter(o)

	if w := do(r, http.MethodPost, "/api/compliance/sync", "", map[string]any{"property_id": property.ID}); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing org: status %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/compliance/sync", testOrg, map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing property: status %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/compliance/sync", testOrg, map[string]any{"property_id": property.ID, "sources": []string{"nyc_taxis"}}); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown source: status %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/compliance/sync", testOrg, map[string]any{"property_id": 999}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown property: status %d", w.Code)
	}

	w := do(r, http.MethodPost, "/api/compliance/sync", testOrg, map[string]any{
		"property_id": property.ID,
		"sources":     []string{sources.DobElevatorDevices},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("sync: status %d body %s", w.Code, w.Body.String())
	}
	var res compliancesync.SyncResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.SyncRunId == 0 || res.SyncedAssets != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	w = do(r, http.MethodGet, "/api/compliance/sync-runs", testOrg, nil)
	var history compliancesync.SyncHistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Items) != 1 || history.Items[0].ID != res.SyncRunId || history.Items[0].TriggeredBy != "manual" {
		t.Fatalf("unexpected history: %+v", history)
	}

	w = do(r, http.MethodGet, fmt.Sprintf("/api/compliance/sync-runs/%d", res.SyncRunId), "org-2", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("run of another org: status %d", w.Code)
	}
	w = do(r, http.MethodGet, fmt.Sprintf("/api/compliance/sync-runs/%d", res.SyncRunId), testOrg, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run detail: status %d", w.Code)
	}
}

func TestPubSubPushAlwaysAcks(t *testing.T) {
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	var calls int32
	o := newOrchestrator(t, db, sources.Registry{sources.DobPermits: staticProvider(&calls)})
	r := newRouter(o)

	req := httptest.NewRequest(http.MethodPost, "/pubsub/compliance-sync", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("malformed push: status %d", w.Code)
	}

	payload, _ := json.Marshal(compliancesync.SyncPubSubPayload{
		OrgId:      testOrg,
		PropertyId: property.ID,
		Sources:    []string{sources.DobPermits},
	})
	w = do(r, http.MethodPost, "/pubsub/compliance-sync", "", map[string]any{
		"message":      map[string]any{"data": payload, "messageId": "m-1"},
		"subscription": "projects/p/subscriptions/s",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("push: status %d", w.Code)
	}
	if calls != 1 {
		t.Fatalf("expected the pushed sync to fetch once, got %d", calls)
	}

	w = do(r, http.MethodGet, "/api/compliance/sync-state", testOrg, nil)
	var states struct {
		Items []compliancesync.SyncStateResponse `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &states); err != nil {
		t.Fatalf("decode states: %v", err)
	}
	if len(states.Items) != 1 || states.Items[0].Source != sources.DobPermits || states.Items[0].Status != "idle" {
		t.Fatalf("unexpected states: %+v", states.Items)
	}
}
