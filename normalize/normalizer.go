package normalize

import (
	"context"
	"strings"
	"sync"

	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Attributes are the canonical device attributes of a raw device type.
type Attributes struct {
	Category           string
	Technology         string
	Subtype            string
	IsPrivateResidence bool
	OperatorOverride   bool
}

// Heuristic derives attributes from the raw string with the rule tables alone.
func Heuristic(raw string) Attributes {
	a := Attributes{
		Category:   DeviceCategory(raw),
		Technology: DeviceTechnology(raw),
		Subtype:    DeviceSubtype(raw),
	}
	a.IsPrivateResidence = a.Subtype == SubtypePrivateResidence
	return a
}

// Normalizer resolves raw device types through a per-run cache, then the
// persisted mapping table, then the heuristic. Heuristic results are persisted.
// A Normalizer is meant to live for one sync run.
type Normalizer struct {
	db     *gorm.DB
	logger *logrus.Logger

	mu    sync.Mutex
	cache map[string]Attributes
}

func NewNormalizer(db *gorm.DB) *Normalizer {
	return &Normalizer{
		db:     db,
		logger: config.GetLogger(),
		cache:  make(map[string]Attributes),
	}
}

func cacheKey(sourceSystem, raw string) string {
	return sourceSystem + "\x00" + raw
}

func (n *Normalizer) Normalize(ctx context.Context, sourceSystem, raw string) (Attributes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Attributes{}, nil
	}
	key := cacheKey(sourceSystem, raw)

	n.mu.Lock()
	if a, ok := n.cache[key]; ok {
		n.mu.Unlock()
		return a, nil
	}
	n.mu.Unlock()

	if n.db == nil {
		a := Heuristic(raw)
		n.remember(key, a)
		return a, nil
	}

	row, err := models.LookupDeviceNormalization(ctx, n.db, sourceSystem, raw)
	if err != nil {
		return Attributes{}, err
	}
	if row != nil {
		a := Attributes{
			Category:           row.DeviceCategory,
			Technology:         row.DeviceTechnology,
			Subtype:            row.DeviceSubtype,
			IsPrivateResidence: row.DefaultIsPrivateResidence,
			OperatorOverride:   row.IsOperatorOverride,
		}
		n.remember(key, a)
		return a, nil
	}

	a := Heuristic(raw)
	saveErr := models.SaveDeviceNormalization(ctx, n.db, &models.DeviceTypeNormalization{
		SourceSystem:              sourceSystem,
		RawDeviceType:             raw,
		DeviceCategory:            a.Category,
		DeviceTechnology:          a.Technology,
		DeviceSubtype:             a.Subtype,
		DefaultIsPrivateResidence: a.IsPrivateResidence,
	})
	if saveErr != nil {
		config.LogError(n.logger, "normalize", "Normalize", "save device normalization", map[string]string{
			"source_system": sourceSystem,
			"raw":           raw,
		}, saveErr)
	} else {
		// Re-read so an operator override written concurrently still wins.
		if stored, err := models.FindDeviceNormalization(ctx, n.db, sourceSystem, raw); err == nil && stored != nil && stored.IsOperatorOverride {
			a = Attributes{
				Category:           stored.DeviceCategory,
				Technology:         stored.DeviceTechnology,
				Subtype:            stored.DeviceSubtype,
				IsPrivateResidence: stored.DefaultIsPrivateResidence,
				OperatorOverride:   true,
			}
		}
	}
	n.remember(key, a)
	return a, nil
}

func (n *Normalizer) remember(key string, a Attributes) {
	n.mu.Lock()
	n.cache[key] = a
	n.mu.Unlock()
}
