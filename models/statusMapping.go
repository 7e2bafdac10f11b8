package models

// ItemStatusForEvent maps a normalized event onto the item status it implies.
// ok is false when the event carries no usable signal.
func ItemStatusForEvent(eventType EventType, status ComplianceStatus) (ItemStatus, bool) {
	switch eventType {
	case EventTypeInspection:
		switch status {
		case ComplianceStatusAccepted:
			return ItemStatusAccepted, true
		case ComplianceStatusAcceptedWithDefects:
			return ItemStatusAcceptedWithDefects, true
		case ComplianceStatusFailed:
			return ItemStatusFailed, true
		case ComplianceStatusScheduled:
			return ItemStatusScheduled, true
		case ComplianceStatusInProgress:
			return ItemStatusInProgress, true
		}
	case EventTypeFiling:
		switch status {
		case ComplianceStatusAccepted, ComplianceStatusAcceptedWithDefects:
			return ItemStatusAccepted, true
		case ComplianceStatusInProgress, ComplianceStatusScheduled:
			return ItemStatusSubmitted, true
		case ComplianceStatusFailed:
			return ItemStatusFailed, true
		}
	}
	return "", false
}
