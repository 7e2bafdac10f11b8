// Package compliancesync pulls regulatory records for a property, merges them
// into assets, events and violations, and maps the events onto compliance items.
package compliancesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/normalize"
	"github.com/mmdatafocus/compliance_backend/sources"
	"github.com/mmdatafocus/compliance_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("compliance-sync")

var ErrUnknownSource = errors.New("unknown source")

type Orchestrator struct {
	db        *gorm.DB
	providers sources.Registry
	settings  config.EngineSettings
	logger    *logrus.Logger
	locker    *redislock.Client
	archiver  utils.RawArchiver

	// Now is the clock; tests pin it.
	Now func() time.Time
}

type Option func(*Orchestrator)

// WithLocker adds a redis lock in front of the database lease.
func WithLocker(l *redislock.Client) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithArchiver stores every fetched page.
func WithArchiver(a utils.RawArchiver) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.archiver = a
		}
	}
}

func NewOrchestrator(db *gorm.DB, providers sources.Registry, settings config.EngineSettings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		db:        db,
		providers: providers,
		settings:  settings,
		logger:    config.GetLogger(),
		archiver:  utils.NoopArchiver{},
		Now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) fetchConcurrency() int {
	if o.settings.FetchConcurrency > 0 {
		return o.settings.FetchConcurrency
	}
	return 4
}

func (o *Orchestrator) pageSize() int {
	if o.settings.PageSize > 0 {
		return o.settings.PageSize
	}
	return 1000
}

func (o *Orchestrator) maxPages() int {
	if o.settings.MaxPages > 0 {
		return o.settings.MaxPages
	}
	return 20
}

func (o *Orchestrator) cursorOverlapDays() int {
	if o.settings.CursorOverlapDays > 0 {
		return o.settings.CursorOverlapDays
	}
	return 30
}

func (o *Orchestrator) recentEventsLimit() int {
	if o.settings.RecentEventsLimit > 0 {
		return o.settings.RecentEventsLimit
	}
	return 200
}

// SyncPropertyCompliance syncs every source for the property, then maps the
// property's recent events onto its items.
func (o *Orchestrator) SyncPropertyCompliance(ctx context.Context, propertyId uint, orgId string, force bool) (*SyncResult, error) {
	return o.syncSources(ctx, propertyId, orgId, force, sources.Order, nil)
}

// SyncElevators syncs elevator devices and their inspections.
func (o *Orchestrator) SyncElevators(ctx context.Context, propertyId uint, orgId string, force bool) (*SyncResult, error) {
	return o.syncSources(ctx, propertyId, orgId, force, []string{sources.DobElevatorDevices, sources.DobElevatorInspections}, nil)
}

func (o *Orchestrator) SyncBoilers(ctx context.Context, propertyId uint, orgId string, force bool) (*SyncResult, error) {
	return o.syncSources(ctx, propertyId, orgId, force, []string{sources.DobBoilers}, nil)
}

func (o *Orchestrator) SyncFacades(ctx context.Context, propertyId uint, orgId string, force bool) (*SyncResult, error) {
	return o.syncSources(ctx, propertyId, orgId, force, []string{sources.DobFacades}, nil)
}

func (o *Orchestrator) SyncPermits(ctx context.Context, propertyId uint, orgId string, force bool) (*SyncResult, error) {
	return o.syncSources(ctx, propertyId, orgId, force, []string{sources.DobPermits}, nil)
}

// SyncViolations syncs the DOB, ECB and HPD violation datasets.
func (o *Orchestrator) SyncViolations(ctx context.Context, propertyId uint, orgId string, force bool) (*SyncResult, error) {
	return o.syncSources(ctx, propertyId, orgId, force, []string{sources.DobViolations, sources.EcbViolations, sources.HpdViolations}, nil)
}

func (o *Orchestrator) SyncComplaints(ctx context.Context, propertyId uint, orgId string, force bool) (*SyncResult, error) {
	return o.syncSources(ctx, propertyId, orgId, force, []string{sources.DobComplaints}, nil)
}

func (o *Orchestrator) SyncRegistrations(ctx context.Context, propertyId uint, orgId string, force bool) (*SyncResult, error) {
	return o.syncSources(ctx, propertyId, orgId, force, []string{sources.HpdRegistrations}, nil)
}

func (o *Orchestrator) SyncGasPiping(ctx context.Context, propertyId uint, orgId string, force bool) (*SyncResult, error) {
	return o.syncSources(ctx, propertyId, orgId, force, []string{sources.DobGasPiping}, nil)
}

func (o *Orchestrator) SyncSprinklers(ctx context.Context, propertyId uint, orgId string, force bool) (*SyncResult, error) {
	return o.syncSources(ctx, propertyId, orgId, force, []string{sources.FdnySprinklers}, nil)
}

// SyncSource syncs one source by key.
func (o *Orchestrator) SyncSource(ctx context.Context, propertyId uint, orgId string, source string, force bool) (*SyncResult, error) {
	return o.SyncSources(ctx, propertyId, orgId, []string{source}, force)
}

// SyncSources syncs a subset of sources. An empty list means all of them.
func (o *Orchestrator) SyncSources(ctx context.Context, propertyId uint, orgId string, srcs []string, force bool) (*SyncResult, error) {
	if len(srcs) == 0 {
		return o.SyncPropertyCompliance(ctx, propertyId, orgId, force)
	}
	for _, s := range srcs {
		if !IsKnownSource(s) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, s)
		}
	}
	return o.syncSources(ctx, propertyId, orgId, force, srcs, nil)
}

// IsKnownSource reports whether source has a record decoder.
func IsKnownSource(source string) bool {
	_, ok := recordFactories[source]
	return ok
}

// orderSources dedupes srcs into the fixed apply order.
func orderSources(srcs []string) []string {
	rank := make(map[string]int, len(sources.Order))
	for i, s := range sources.Order {
		rank[s] = i
	}
	seen := make(map[string]bool, len(srcs))
	out := make([]string, 0, len(srcs))
	for _, s := range srcs {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, ok := rank[out[i]]
		if !ok {
			ri = len(rank)
		}
		rj, ok := rank[out[j]]
		if !ok {
			rj = len(rank)
		}
		return ri < rj
	})
	return out
}

// fetchOutcome is one source's fetch, later completed by its apply.
type fetchOutcome struct {
	source  string
	lease   *lease
	status  SourceStatus
	records []sources.RawRecord
	err     *SyncError

	runErr   error
	lastSeen *time.Time
}

// syncRun holds the state of one sync call. It is never shared between calls.
type syncRun struct {
	o          *Orchestrator
	orgId      string
	property   *models.Property
	ids        sources.Identifiers
	force      bool
	startedAt  time.Time
	normalizer *normalize.Normalizer

	assets     map[string]*models.ComplianceAsset
	assetsById map[uint]*models.ComplianceAsset
	events     []*models.ComplianceEvent
	eventIdx   map[uint]int

	result  *SyncResult
	errRows []models.ComplianceSyncError
	row     *models.ComplianceSyncRun
}

type postApply func(ctx context.Context, r *syncRun)

func (o *Orchestrator) syncSources(ctx context.Context, propertyId uint, orgId string, force bool, srcs []string, after postApply) (*SyncResult, error) {
	if orgId == "" {
		return nil, utils.ErrOrgRequired
	}
	ctx = utils.SetOrgIdInContext(ctx, orgId)
	property, err := models.GetProperty(ctx, o.db, orgId, propertyId)
	if err != nil {
		return nil, err
	}

	r := &syncRun{
		o:          o,
		orgId:      orgId,
		property:   property,
		ids:        sources.IdentifiersFor(property),
		force:      force,
		startedAt:  o.Now(),
		normalizer: normalize.NewNormalizer(o.db),
		assets:     map[string]*models.ComplianceAsset{},
		assetsById: map[uint]*models.ComplianceAsset{},
		eventIdx:   map[uint]int{},
		result:     newSyncResult(),
	}
	if err := r.start(ctx); err != nil {
		return nil, err
	}

	fetched := r.fetchAll(ctx, orderSources(srcs))
	defer r.releaseAll(ctx, fetched)

	// Every source is leased elsewhere; the holder owns the writes.
	if r.result.AlreadyInProgress() {
		r.finish(ctx)
		return r.result, nil
	}

	for _, f := range fetched {
		r.apply(ctx, f)
	}
	if after == nil {
		r.reconcileItems(ctx)
	} else {
		after(ctx, r)
	}
	r.finish(ctx)
	return r.result, nil
}

func (r *syncRun) start(ctx context.Context) error {
	triggeredBy, _ := utils.GetTriggeredByFromContext(ctx)
	if triggeredBy == "" {
		triggeredBy = models.SyncTriggeredManual
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	started := r.startedAt.UTC()
	r.row = &models.ComplianceSyncRun{
		OrgId:         r.orgId,
		PropertyId:    r.property.ID,
		Status:        models.SyncRunStatusRunning,
		TriggeredBy:   triggeredBy,
		CorrelationId: correlationId,
		Force:         r.force,
		StartedAt:     &started,
	}
	if err := models.StartSyncRun(ctx, r.o.db, r.row); err != nil {
		return err
	}
	r.result.SyncRunId = r.row.ID
	return nil
}

// fetchAll leases and fetches the sources in parallel. Results are recorded
// on the main goroutine once every fetch returned.
func (r *syncRun) fetchAll(ctx context.Context, srcs []string) []*fetchOutcome {
	out := make([]*fetchOutcome, len(srcs))
	var g errgroup.Group
	g.SetLimit(r.o.fetchConcurrency())
	for i, src := range srcs {
		g.Go(func() error {
			out[i] = r.fetch(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range out {
		r.result.Sources[f.source] = f.status
		if f.status == SourceInProgress {
			r.result.InProgress = append(r.result.InProgress, f.source)
		}
		r.result.stats(f.source).Fetched = len(f.records)
		if f.err != nil {
			r.addError(*f.err, nil)
		}
	}
	return out
}

func (r *syncRun) fetch(ctx context.Context, source string) *fetchOutcome {
	f := &fetchOutcome{source: source}
	provider, ok := r.o.providers.Get(source)
	if !ok {
		f.status = SourceNotConfigured
		return f
	}
	if r.ids.IsEmpty() {
		f.status = SourceSkipped
		return f
	}

	ctx, span := tracer.Start(ctx, "compliancesync.fetch", trace.WithAttributes(
		attribute.String("source", source),
		attribute.String("org_id", r.orgId),
		attribute.Int64("property_id", int64(r.property.ID)),
	))
	defer span.End()

	l, err := r.o.acquireLease(ctx, r.orgId, source)
	if errors.Is(err, ErrSyncInProgress) {
		f.status = SourceInProgress
		return f
	}
	if err != nil {
		f.status = SourceFailed
		f.err = &SyncError{Source: source, Code: CodeLease, Message: err.Error(), Retryable: true}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return f
	}
	f.lease = l

	records, err := r.fetchPages(ctx, provider, source, r.since(ctx, source, l.row))
	switch {
	case errors.Is(err, sources.ErrNoIdentifiers):
		f.status = SourceSkipped
	case errors.Is(err, sources.ErrDatasetNotConfigured):
		f.status = SourceNotConfigured
	case err != nil:
		f.status = SourceFailed
		f.err = &SyncError{Source: source, Code: CodeFetch, Message: err.Error(), Retryable: true}
		f.runErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		f.status = SourceSuccess
		f.records = records
		span.SetAttributes(attribute.Int("records", len(records)))
	}
	return f
}

// since is the incremental cursor, or nil for a full fetch: forced runs, first
// runs, and properties holding nothing from source yet fetch everything.
func (r *syncRun) since(ctx context.Context, source string, l *models.SyncLease) *time.Time {
	if r.force || l.LastSeenAt == nil {
		return nil
	}
	n, err := models.CountSourceRecords(ctx, r.o.db, r.orgId, r.property.ID, source)
	if err != nil {
		config.LogError(r.o.logger, "compliancesync", "since", "count source records", source, err)
		return nil
	}
	if n == 0 {
		return nil
	}
	s := utils.CivilDate(l.LastSeenAt.AddDate(0, 0, -r.o.cursorOverlapDays()))
	return &s
}

// fetchPages pages until a short page. A failing page discards the source's
// records so it applies nothing rather than a prefix.
func (r *syncRun) fetchPages(ctx context.Context, p sources.Provider, source string, since *time.Time) ([]sources.RawRecord, error) {
	limit := r.o.pageSize()
	var all []sources.RawRecord
	for page := 0; page < r.o.maxPages(); page++ {
		recs, err := p.FetchByIdentifier(ctx, r.ids, sources.Pagination{Limit: limit, Offset: page * limit, Since: since})
		if err != nil {
			return nil, err
		}
		r.archive(ctx, source, page, recs)
		all = append(all, recs...)
		if len(recs) < limit {
			break
		}
	}
	return all, nil
}

func (r *syncRun) archive(ctx context.Context, source string, page int, recs []sources.RawRecord) {
	if len(recs) == 0 {
		return
	}
	name := utils.ArchiveObjectName(r.orgId, source, r.property.ID, r.startedAt, page)
	if err := r.o.archiver.Archive(ctx, name, recs); err != nil {
		config.LogError(r.o.logger, "compliancesync", "archive", "archive raw page", name, err)
	}
}

func (r *syncRun) releaseAll(ctx context.Context, fetched []*fetchOutcome) {
	for _, f := range fetched {
		if f == nil || f.lease == nil {
			continue
		}
		r.o.releaseLease(ctx, f.lease, f.lastSeen, f.runErr)
	}
}

// apply merges one source's records. A failing record is recorded and the
// rest of the batch continues.
func (r *syncRun) apply(ctx context.Context, f *fetchOutcome) {
	if f.lease == nil || f.status != SourceSuccess {
		return
	}
	ctx, span := tracer.Start(ctx, "compliancesync.apply", trace.WithAttributes(
		attribute.String("source", f.source),
		attribute.Int("records", len(f.records)),
	))
	defer span.End()

	stats := r.result.stats(f.source)
	failures := 0
	for _, raw := range f.records {
		if fail := r.applyRecord(ctx, f.source, raw, stats); fail != nil {
			failures++
			r.addError(SyncError{
				Source:     f.source,
				ExternalID: fail.externalId,
				Code:       fail.code,
				Message:    fail.err.Error(),
				Retryable:  fail.code == CodeUpsert,
			}, raw)
		}
	}
	if failures == 0 {
		seen := f.lease.row.StartedAt
		f.lastSeen = &seen
		return
	}
	f.runErr = fmt.Errorf("%d of %d records failed", failures, len(f.records))
	span.SetStatus(codes.Error, f.runErr.Error())
	if failures == len(f.records) {
		r.result.Sources[f.source] = SourceFailed
	} else {
		r.result.Sources[f.source] = SourcePartial
	}
}

func (r *syncRun) addError(se SyncError, payload any) {
	r.result.Errors = append(r.result.Errors, se)
	if se.Source != "" {
		r.result.stats(se.Source).Errors++
	}
	row := models.ComplianceSyncError{
		OrgId:      r.orgId,
		Source:     se.Source,
		ExternalId: se.ExternalID,
		ErrorCode:  se.Code,
		Message:    se.Message,
		Retryable:  se.Retryable,
	}
	if payload != nil {
		row.PayloadJSON = datatypes.JSON(utils.MustJSON(payload))
	}
	r.errRows = append(r.errRows, row)
	config.LogError(r.o.logger, "compliancesync", "syncProperty", se.Code, map[string]interface{}{
		"org_id":      r.orgId,
		"property_id": r.property.ID,
		"source":      se.Source,
		"external_id": se.ExternalID,
	}, se)
}

func (r *SyncResult) runStatus() string {
	succeeded, failed := 0, 0
	for _, st := range r.Sources {
		switch st {
		case SourceSuccess, SourcePartial:
			succeeded++
		case SourceFailed:
			failed++
		}
	}
	switch {
	case len(r.Errors) == 0:
		return models.SyncRunStatusSuccess
	case succeeded == 0 && failed > 0:
		return models.SyncRunStatusFailed
	default:
		return models.SyncRunStatusPartial
	}
}

// finish persists the run row and its error rows. Failures here are logged;
// the merged data is already stored.
func (r *syncRun) finish(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	finished := r.o.Now().UTC()
	res := r.result
	r.row.Status = res.runStatus()
	r.row.SourcesJSON = datatypes.JSON(utils.MustJSON(res.Sources))
	r.row.StatsJSON = datatypes.JSON(utils.MustJSON(res.Stats))
	r.row.SyncedAssets = res.SyncedAssets
	r.row.SyncedEvents = res.SyncedEvents
	r.row.SyncedViolations = res.SyncedViolations
	r.row.UpdatedItems = res.UpdatedItems
	r.row.ErrorCount = len(res.Errors)
	r.row.FinishedAt = &finished
	r.row.DurationMs = finished.Sub(r.startedAt.UTC()).Milliseconds()
	if err := models.FinishSyncRun(ctx, r.o.db, r.row); err != nil {
		config.LogError(r.o.logger, "compliancesync", "finish", "finish sync run", r.row.ID, err)
	}
	for i := range r.errRows {
		r.errRows[i].SyncRunId = r.row.ID
	}
	if err := models.InsertSyncErrors(ctx, r.o.db, r.errRows); err != nil {
		config.LogError(r.o.logger, "compliancesync", "finish", "insert sync errors", r.row.ID, err)
	}

	if r.o.logger == nil {
		return
	}
	entry := r.o.logger.WithFields(logrus.Fields{
		"module":            "compliancesync",
		"funcName":          "syncProperty",
		"org_id":            r.orgId,
		"property_id":       r.property.ID,
		"sync_run_id":       r.row.ID,
		"status":            r.row.Status,
		"synced_assets":     res.SyncedAssets,
		"synced_events":     res.SyncedEvents,
		"synced_violations": res.SyncedViolations,
		"updated_items":     res.UpdatedItems,
		"errors":            len(res.Errors),
		"in_progress":       res.InProgress,
		"duration_ms":       r.row.DurationMs,
	})
	if len(res.Errors) > 0 {
		entry.Warn("property sync finished with errors")
		return
	}
	entry.Info("property sync finished")
}
