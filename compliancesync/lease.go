package compliancesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/sirupsen/logrus"
)

// ErrSyncInProgress is returned for a source whose lease is held elsewhere.
var ErrSyncInProgress = errors.New("sync already in progress")

// lease is a held (org, source) lease: the sync-state row, plus a redis lock
// when redis is configured.
type lease struct {
	row   *models.SyncLease
	redis *redislock.Lock
}

func redisLockKey(orgId, source string) string {
	return fmt.Sprintf("compliance-sync:%s:%s", orgId, source)
}

func (o *Orchestrator) staleAfter() time.Duration {
	if o.settings.StaleLockAfter > 0 {
		return o.settings.StaleLockAfter
	}
	return 15 * time.Minute
}

// acquireLease takes the redis lock first so contending workers rarely reach
// the database, then the sync-state row, which is authoritative.
func (o *Orchestrator) acquireLease(ctx context.Context, orgId, source string) (*lease, error) {
	l := &lease{}
	if o.locker != nil {
		lock, err := o.locker.Obtain(ctx, redisLockKey(orgId, source), o.staleAfter(), nil)
		if err == redislock.ErrNotObtained {
			return nil, ErrSyncInProgress
		}
		if err != nil {
			config.LogError(o.logger, "compliancesync", "acquireLease", "obtain redis lock", map[string]string{
				"org_id": orgId,
				"source": source,
			}, err)
		} else {
			l.redis = lock
		}
	}

	row, err := models.TryAcquireSyncLease(ctx, o.db, orgId, source, o.Now(), o.staleAfter())
	if err != nil || row == nil {
		if l.redis != nil {
			_ = l.redis.Release(ctx)
		}
		if err != nil {
			return nil, err
		}
		return nil, ErrSyncInProgress
	}
	l.row = row
	return l, nil
}

// releaseLease writes the outcome onto the sync-state row. lastSeenAt advances
// the incremental cursor and is nil when the cursor must stay put.
func (o *Orchestrator) releaseLease(ctx context.Context, l *lease, lastSeenAt *time.Time, runErr error) {
	if l == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	released, err := models.ReleaseSyncLease(ctx, o.db, l.row, o.Now(), lastSeenAt, runErr)
	if err != nil {
		config.LogError(o.logger, "compliancesync", "releaseLease", "release sync lease", map[string]string{
			"org_id": l.row.OrgId,
			"source": l.row.Source,
		}, err)
	} else if !released && o.logger != nil {
		o.logger.WithFields(logrus.Fields{
			"module":   "compliancesync",
			"funcName": "releaseLease",
			"org_id":   l.row.OrgId,
			"source":   l.row.Source,
		}).Warn("lease was taken over before release")
	}
	if l.redis != nil {
		if err := l.redis.Release(ctx); err != nil && err != redislock.ErrLockNotHeld {
			config.LogError(o.logger, "compliancesync", "releaseLease", "release redis lock", l.row.Source, err)
		}
	}
}
