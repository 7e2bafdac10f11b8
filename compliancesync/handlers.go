package compliancesync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/schedule"
	"github.com/mmdatafocus/compliance_backend/utils"
)

// TriggerSyncHandler runs a property sync inline, or publishes it when the
// request asks for async.
func TriggerSyncHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgId, err := resolveOrgID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		for _, s := range req.Sources {
			if !IsKnownSource(s) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown source " + s})
				return
			}
		}

		ctx := utils.SetOrgIdInContext(c.Request.Context(), orgId)
		if req.Async {
			correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
			if err := PublishSync(ctx, SyncPubSubPayload{
				OrgId:         orgId,
				PropertyId:    req.PropertyId,
				Force:         req.Force,
				Sources:       req.Sources,
				CorrelationId: correlationId,
			}); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": true})
			return
		}

		ctx = utils.SetTriggeredByInContext(ctx, models.SyncTriggeredManual)
		res, err := o.SyncSources(ctx, req.PropertyId, orgId, req.Sources, req.Force)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func ProgramSyncHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgId, err := resolveOrgID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		force, _ := strconv.ParseBool(c.Query("force"))
		ctx := utils.SetTriggeredByInContext(c.Request.Context(), models.SyncTriggeredManual)
		res, err := o.SyncProgramSources(ctx, orgId, force)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func SyncStateHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgId, err := resolveOrgID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		ctx := utils.SetOrgIdInContext(c.Request.Context(), orgId)
		rows, err := models.ListSyncStates(ctx, o.db, orgId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncStateResponse, 0, len(rows))
		for _, st := range rows {
			items = append(items, SyncStateResponse{
				Source:     st.Source,
				Status:     st.Status,
				StartedAt:  formatTime(st.StartedAt),
				LastRunAt:  formatTime(st.LastRunAt),
				LastSeenAt: formatTime(st.LastSeenAt),
				LastError:  st.LastError,
			})
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func SyncHistoryHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgId, err := resolveOrgID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		var propertyId uint
		if v := strings.TrimSpace(c.Query("property_id")); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid property_id"})
				return
			}
			propertyId = uint(n)
		}

		ctx := utils.SetOrgIdInContext(c.Request.Context(), orgId)
		runs, err := models.ListSyncRuns(ctx, o.db, orgId, propertyId, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgId, err := resolveOrgID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetOrgIdInContext(c.Request.Context(), orgId)
		run, err := models.GetSyncRun(ctx, o.db, orgId, uint(id))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if run == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		errs, err := models.ListSyncErrors(ctx, o.db, orgId, run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Errors:          mapErrors(errs),
		})
	}
}

// GenerateHandler generates items for one asset, program or property, in
// that order of precedence.
func GenerateHandler(g *schedule.Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgId, err := resolveOrgID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		var req GenerateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		ctx := utils.SetOrgIdInContext(c.Request.Context(), orgId)
		var res *schedule.Result
		switch {
		case req.AssetId > 0:
			res, err = g.GenerateForAsset(ctx, req.AssetId, orgId, req.PeriodsAhead)
		case req.ProgramId > 0:
			res, err = g.GenerateForProgram(ctx, req.ProgramId, orgId, req.PeriodsAhead)
		case req.PropertyId > 0:
			res, err = g.GenerateForProperty(ctx, req.PropertyId, orgId, req.PeriodsAhead)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "property_id, asset_id or program_id is required"})
			return
		}
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// GenerateAllHandler is the scheduler entry point over HTTP.
func GenerateAllHandler(g *schedule.Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		periodsAhead, _ := strconv.Atoi(c.Query("periods_ahead"))
		res, err := g.GenerateForAllOrganizations(c.Request.Context(), periodsAhead)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type deviceOverrideRequest struct {
	SourceSystem       string `json:"source_system" binding:"required"`
	RawDeviceType      string `json:"raw_device_type" binding:"required"`
	DeviceCategory     string `json:"device_category" binding:"required"`
	DeviceTechnology   string `json:"device_technology"`
	DeviceSubtype      string `json:"device_subtype"`
	IsPrivateResidence bool   `json:"is_private_residence"`
}

// DeviceOverrideHandler stores an operator mapping for a raw device type. It
// takes precedence over the heuristic from the next sync on.
func DeviceOverrideHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := resolveOrgID(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		var req deviceOverrideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		row, err := models.SetOperatorOverride(c.Request.Context(), o.db, models.DeviceTypeNormalization{
			SourceSystem:              strings.TrimSpace(req.SourceSystem),
			RawDeviceType:             strings.TrimSpace(req.RawDeviceType),
			DeviceCategory:            req.DeviceCategory,
			DeviceTechnology:          req.DeviceTechnology,
			DeviceSubtype:             req.DeviceSubtype,
			DefaultIsPrivateResidence: req.IsPrivateResidence,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, row)
	}
}

// resolveOrgID reads the org from the x-org-id header, falling back to the
// org_id query parameter. Authentication sits in front of this service.
func resolveOrgID(c *gin.Context) (string, error) {
	orgId := strings.TrimSpace(c.GetHeader("x-org-id"))
	if orgId == "" {
		orgId = strings.TrimSpace(c.Query("org_id"))
	}
	if orgId == "" {
		return "", utils.ErrOrgRequired
	}
	return orgId, nil
}

func statusForError(err error) int {
	switch {
	case utils.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrOrgMismatch):
		return http.StatusForbidden
	case errors.Is(err, utils.ErrOrgRequired), errors.Is(err, ErrUnknownSource), errors.Is(err, models.ErrInvalidCriteria):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.ComplianceSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:               run.ID,
		PropertyId:       run.PropertyId,
		Status:           run.Status,
		TriggeredBy:      run.TriggeredBy,
		Force:            run.Force,
		StartedAt:        formatTime(run.StartedAt),
		FinishedAt:       formatTime(run.FinishedAt),
		DurationMs:       run.DurationMs,
		SyncedAssets:     run.SyncedAssets,
		SyncedEvents:     run.SyncedEvents,
		SyncedViolations: run.SyncedViolations,
		UpdatedItems:     run.UpdatedItems,
		ErrorCount:       run.ErrorCount,
	}
}

func mapErrors(errorsList []models.ComplianceSyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			Source:     errItem.Source,
			ExternalId: errItem.ExternalId,
			Code:       errItem.ErrorCode,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
