package compliancesync

import "fmt"

// SourceStatus is the outcome of one source within a sync call.
type SourceStatus string

const (
	SourceSuccess       SourceStatus = "success"
	SourcePartial       SourceStatus = "partial"
	SourceFailed        SourceStatus = "failed"
	SourceInProgress    SourceStatus = "in_progress"
	SourceNotConfigured SourceStatus = "not_configured"
	SourceSkipped       SourceStatus = "skipped"
)

// Error codes of contained errors.
const (
	CodeFetch           = "fetch_failed"
	CodeLease           = "lease_failed"
	CodeDecode          = "decode_failed"
	CodeMissingIdentity = "missing_identity"
	CodeUpsert          = "upsert_failed"
	CodeReconcile       = "reconcile_failed"
)

// SyncError is one contained failure. It never aborts the call it belongs to.
type SyncError struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e SyncError) Error() string {
	if e.ExternalID != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Source, e.ExternalID, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Source, e.Code, e.Message)
}

// Ambiguity is an event that matched several items equally well and was left
// unattached.
type Ambiguity struct {
	EventId   uint   `json:"event_id"`
	ProgramId uint   `json:"program_id,omitempty"`
	ItemIds   []uint `json:"item_ids"`
}

type SourceStats struct {
	Fetched    int `json:"fetched"`
	Assets     int `json:"assets"`
	Events     int `json:"events"`
	Violations int `json:"violations"`
	Errors     int `json:"errors"`
}

// SyncResult is what a property sync did.
type SyncResult struct {
	SyncRunId        uint                    `json:"sync_run_id,omitempty"`
	SyncedAssets     int                     `json:"synced_assets"`
	SyncedEvents     int                     `json:"synced_events"`
	SyncedViolations int                     `json:"synced_violations"`
	UpdatedItems     int                     `json:"updated_items"`
	Errors           []SyncError             `json:"errors"`
	Sources          map[string]SourceStatus `json:"sources"`
	InProgress       []string                `json:"in_progress,omitempty"`
	Ambiguous        []Ambiguity             `json:"ambiguous,omitempty"`
	Stats            map[string]*SourceStats `json:"stats,omitempty"`
}

func newSyncResult() *SyncResult {
	return &SyncResult{
		Errors:  []SyncError{},
		Sources: map[string]SourceStatus{},
		Stats:   map[string]*SourceStats{},
	}
}

func (r *SyncResult) stats(source string) *SourceStats {
	s, ok := r.Stats[source]
	if !ok {
		s = &SourceStats{}
		r.Stats[source] = s
	}
	return s
}

// AlreadyInProgress reports whether every requested source was leased elsewhere.
func (r *SyncResult) AlreadyInProgress() bool {
	if len(r.Sources) == 0 {
		return false
	}
	for _, st := range r.Sources {
		if st != SourceInProgress {
			return false
		}
	}
	return true
}

func (r *SyncResult) merge(o *SyncResult) {
	r.SyncedAssets += o.SyncedAssets
	r.SyncedEvents += o.SyncedEvents
	r.SyncedViolations += o.SyncedViolations
	r.UpdatedItems += o.UpdatedItems
	r.Errors = append(r.Errors, o.Errors...)
	r.InProgress = append(r.InProgress, o.InProgress...)
	r.Ambiguous = append(r.Ambiguous, o.Ambiguous...)
}

// ProgramSyncResult totals the program-driven pass.
type ProgramSyncResult struct {
	Dispatched int         `json:"dispatched"`
	RunIds     []uint      `json:"sync_run_ids"`
	Totals     *SyncResult `json:"totals"`
	Skipped    []string    `json:"skipped,omitempty"`
}

type TriggerSyncRequest struct {
	PropertyId uint     `json:"property_id" binding:"required"`
	Force      bool     `json:"force"`
	Sources    []string `json:"sources"`
	// Async publishes the request instead of running it in the handler.
	Async bool `json:"async"`
}

type GenerateRequest struct {
	PropertyId   uint `json:"property_id"`
	AssetId      uint `json:"asset_id"`
	ProgramId    uint `json:"program_id"`
	PeriodsAhead int  `json:"periods_ahead" binding:"omitempty,min=1,max=120"`
}

type SyncStateResponse struct {
	Source     string  `json:"source"`
	Status     string  `json:"status"`
	StartedAt  *string `json:"startedAt"`
	LastRunAt  *string `json:"lastRunAt"`
	LastSeenAt *string `json:"lastSeenAt"`
	LastError  string  `json:"lastError,omitempty"`
}

type SyncRunResponse struct {
	ID               uint    `json:"id"`
	PropertyId       uint    `json:"propertyId"`
	Status           string  `json:"status"`
	TriggeredBy      string  `json:"triggeredBy"`
	Force            bool    `json:"force"`
	StartedAt        *string `json:"startedAt"`
	FinishedAt       *string `json:"finishedAt"`
	DurationMs       int64   `json:"durationMs"`
	SyncedAssets     int     `json:"syncedAssets"`
	SyncedEvents     int     `json:"syncedEvents"`
	SyncedViolations int     `json:"syncedViolations"`
	UpdatedItems     int     `json:"updatedItems"`
	ErrorCount       int     `json:"errorCount"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	Source     string `json:"source"`
	ExternalId string `json:"externalId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// SyncPubSubPayload asks a worker to sync one property. A zero PropertyId with
// Programs set runs the program-driven pass for the org.
type SyncPubSubPayload struct {
	OrgId         string   `json:"org_id"`
	PropertyId    uint     `json:"property_id"`
	Force         bool     `json:"force"`
	Sources       []string `json:"sources,omitempty"`
	Programs      bool     `json:"programs,omitempty"`
	CorrelationId string   `json:"correlation_id,omitempty"`
}
