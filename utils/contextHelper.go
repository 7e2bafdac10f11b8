package utils

import (
	"context"

	"github.com/mmdatafocus/compliance_backend/appctx"
)

var (
	ContextKeyOrgId           = appctx.ContextKeyOrgId
	ContextKeyCorrelationId   = appctx.ContextKeyCorrelationId
	ContextKeyTriggeredBy     = appctx.ContextKeyTriggeredBy
	ContextKeySkipTenantScope = appctx.ContextKeySkipTenantScope
)

func SetOrgIdInContext(ctx context.Context, orgId string) context.Context {
	return appctx.Set(ctx, ContextKeyOrgId, orgId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// GetTriggeredByFromContext reports who started the current run (manual, system, pubsub).
func GetTriggeredByFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTriggeredBy)
}

func SetTriggeredByInContext(ctx context.Context, triggeredBy string) context.Context {
	return appctx.Set(ctx, ContextKeyTriggeredBy, triggeredBy)
}

func SetSkipTenantScopeInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipTenantScope, skip)
}
