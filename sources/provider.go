// Package sources fetches raw regulatory records from external datasets.
package sources

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/compliance_backend/models"
)

// RawRecord is one upstream row as decoded from JSON.
type RawRecord map[string]any

// Identifiers locate a building in the city datasets. Borough is the 1-5 code.
type Identifiers struct {
	BIN     string
	BBL     string
	Borough string
	Block   string
	Lot     string
}

func (i Identifiers) IsEmpty() bool {
	return i.BIN == "" && i.BBL == "" && (i.Borough == "" || i.Block == "" || i.Lot == "")
}

// IdentifiersFor derives the lookup identifiers of a property. A malformed
// BBL is dropped; a valid one also yields borough, block and lot.
func IdentifiersFor(p *models.Property) Identifiers {
	ids := Identifiers{BIN: strings.TrimSpace(p.Bin)}
	if borough, block, lot, ok := p.BlockLot(); ok {
		ids.BBL = strings.TrimSpace(p.Bbl)
		ids.Borough = borough
		ids.Block = block
		ids.Lot = lot
	}
	return ids
}

// Pagination pages through a dataset. Since, when set, restricts the query to
// records dated on or after it.
type Pagination struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// Provider is a data source for one dataset.
type Provider interface {
	FetchByIdentifier(ctx context.Context, ids Identifiers, page Pagination) ([]RawRecord, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, ids Identifiers, page Pagination) ([]RawRecord, error)

func (f ProviderFunc) FetchByIdentifier(ctx context.Context, ids Identifiers, page Pagination) ([]RawRecord, error) {
	return f(ctx, ids, page)
}

var (
	ErrNoIdentifiers        = errors.New("property has no usable identifiers for this dataset")
	ErrDatasetNotConfigured = errors.New("dataset id not configured")
)

// Registry maps a source key to its provider.
type Registry map[string]Provider

func (r Registry) Get(source string) (Provider, bool) {
	p, ok := r[source]
	return p, ok && p != nil
}
