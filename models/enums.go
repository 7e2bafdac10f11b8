package models

// AppliesTo is the scope of a compliance program.
type AppliesTo string

const (
	AppliesToProperty AppliesTo = "property"
	AppliesToAsset    AppliesTo = "asset"
	AppliesToBoth     AppliesTo = "both"
)

func (a AppliesTo) IsValid() bool {
	switch a {
	case AppliesToProperty, AppliesToAsset, AppliesToBoth:
		return true
	}
	return false
}

// IncludesProperty reports whether property-level obligations are generated.
func (a AppliesTo) IncludesProperty() bool {
	return a == AppliesToProperty || a == AppliesToBoth
}

// IncludesAsset reports whether asset-level obligations are generated.
func (a AppliesTo) IncludesAsset() bool {
	return a == AppliesToAsset || a == AppliesToBoth
}

type ItemStatus string

const (
	ItemStatusNotStarted          ItemStatus = "not_started"
	ItemStatusScheduled           ItemStatus = "scheduled"
	ItemStatusInProgress          ItemStatus = "in_progress"
	ItemStatusSubmitted           ItemStatus = "submitted"
	ItemStatusAccepted            ItemStatus = "accepted"
	ItemStatusAcceptedWithDefects ItemStatus = "accepted_with_defects"
	ItemStatusFailed              ItemStatus = "failed"
	ItemStatusWaived              ItemStatus = "waived"
)

// IsOpen reports whether an item can still be satisfied by an incoming event.
func (s ItemStatus) IsOpen() bool {
	switch s {
	case ItemStatusAccepted, ItemStatusAcceptedWithDefects, ItemStatusWaived:
		return false
	}
	return true
}

type EventType string

const (
	EventTypeInspection EventType = "inspection"
	EventTypeFiling     EventType = "filing"
)

// ComplianceStatus is the normalized outcome of an upstream inspection or filing.
type ComplianceStatus string

const (
	ComplianceStatusAccepted            ComplianceStatus = "accepted"
	ComplianceStatusAcceptedWithDefects ComplianceStatus = "accepted_with_defects"
	ComplianceStatusFailed              ComplianceStatus = "failed"
	ComplianceStatusScheduled           ComplianceStatus = "scheduled"
	ComplianceStatusInProgress          ComplianceStatus = "in_progress"
	ComplianceStatusUnknown             ComplianceStatus = "unknown"
)

type ViolationStatus string

const (
	ViolationStatusOpen    ViolationStatus = "open"
	ViolationStatusClosed  ViolationStatus = "closed"
	ViolationStatusCleared ViolationStatus = "cleared"
)

type ViolationCategory string

const (
	ViolationCategoryViolation ViolationCategory = "violation"
	ViolationCategoryComplaint ViolationCategory = "complaint"
)

// Canonical asset types.
const (
	AssetTypeElevator  = "elevator"
	AssetTypeBoiler    = "boiler"
	AssetTypeSprinkler = "sprinkler"
	AssetTypeGasPiping = "gas"
	AssetTypeFacade    = "facade"
)

const (
	SyncStateIdle    = "idle"
	SyncStateRunning = "running"
	SyncStateError   = "error"
)

const (
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredSystem = "system"
	SyncTriggeredPubSub = "pubsub"
)
