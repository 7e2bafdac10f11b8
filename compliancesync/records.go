package compliancesync

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/normalize"
	"github.com/mmdatafocus/compliance_backend/sources"
	"github.com/mmdatafocus/compliance_backend/utils"
)

// Record is one decoded upstream row. The set of variants is closed; each one
// maps its dataset's columns onto asset, event or violation fields.
type Record interface {
	Source() string
	isRecord()
}

// AssetFields describe the device a record introduces or updates.
type AssetFields struct {
	Source        string
	ExternalId    string
	AssetType     string
	RawDeviceType string
	// Subtype is set by sources the device normalizer does not understand.
	Subtype  string
	IsActive bool
}

// AssetRef points an event or violation at an asset by its identity key.
type AssetRef struct {
	Source     string
	ExternalId string
	AssetType  string
}

type EventFields struct {
	TrackingNumber string
	// Kind names the inspection or filing type in synthesized tracking keys.
	Kind           string
	Type           models.EventType
	InspectionDate *time.Time
	FiledDate      *time.Time
	RawStatus      string
	// Status overrides the normalized RawStatus when set.
	Status  models.ComplianceStatus
	Defects bool
	Asset   *AssetRef
	BIN     string
}

type ViolationFields struct {
	Agency      string
	Number      string
	IssueDate   *time.Time
	RawStatus   string
	Category    models.ViolationCategory
	Description string
	Asset       *AssetRef
}

type assetRecord interface {
	Record
	AssetFields() *AssetFields
}

type eventRecord interface {
	Record
	EventFields() *EventFields
}

type violationRecord interface {
	Record
	ViolationFields() *ViolationFields
}

func yes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes", "true", "1":
		return true
	}
	return false
}

func elevatorRef(deviceNumber string) *AssetRef {
	if strings.TrimSpace(deviceNumber) == "" {
		return nil
	}
	return &AssetRef{Source: sources.DobElevatorDevices, ExternalId: strings.TrimSpace(deviceNumber), AssetType: models.AssetTypeElevator}
}

type ElevatorDeviceRecord struct {
	DeviceNumber string `mapstructure:"device_number"`
	DeviceType   string `mapstructure:"device_type"`
	DeviceStatus string `mapstructure:"device_status"`
	BIN          string `mapstructure:"bin"`
	StatusDate   string `mapstructure:"status_date"`
}

func (ElevatorDeviceRecord) Source() string { return sources.DobElevatorDevices }
func (ElevatorDeviceRecord) isRecord()      {}

func (r ElevatorDeviceRecord) AssetFields() *AssetFields {
	status := strings.ToLower(r.DeviceStatus)
	inactive := strings.Contains(status, "remov") || strings.Contains(status, "dismantl") || strings.Contains(status, "inactive")
	return &AssetFields{
		Source:        sources.DobElevatorDevices,
		ExternalId:    strings.TrimSpace(r.DeviceNumber),
		AssetType:     models.AssetTypeElevator,
		RawDeviceType: r.DeviceType,
		IsActive:      !inactive,
	}
}

type ElevatorInspectionRecord struct {
	TrackingNumber string `mapstructure:"tracking_number"`
	DeviceNumber   string `mapstructure:"device_number"`
	BIN            string `mapstructure:"bin"`
	InspectionType string `mapstructure:"inspection_type"`
	InspectionDate string `mapstructure:"inspection_date"`
	Result         string `mapstructure:"result"`
	Defects        string `mapstructure:"defects_exist"`
}

func (ElevatorInspectionRecord) Source() string { return sources.DobElevatorInspections }
func (ElevatorInspectionRecord) isRecord()      {}

func (r ElevatorInspectionRecord) EventFields() *EventFields {
	return &EventFields{
		TrackingNumber: r.TrackingNumber,
		Kind:           r.InspectionType,
		Type:           models.EventTypeInspection,
		InspectionDate: utils.ParseUpstreamDate(r.InspectionDate),
		RawStatus:      r.Result,
		Defects:        yes(r.Defects),
		Asset:          elevatorRef(r.DeviceNumber),
		BIN:            r.BIN,
	}
}

type BoilerRecord struct {
	TrackingNumber string `mapstructure:"tracking_number"`
	BoilerId       string `mapstructure:"boiler_id"`
	BIN            string `mapstructure:"bin_number"`
	InspectionType string `mapstructure:"inspection_type"`
	InspectionDate string `mapstructure:"inspection_date"`
	ReportStatus   string `mapstructure:"report_status"`
	Defects        string `mapstructure:"defects_exist"`
	PressureType   string `mapstructure:"pressure_type"`
	BoilerMake     string `mapstructure:"boiler_make"`
	BoilerModel    string `mapstructure:"boiler_model"`
}

func (BoilerRecord) Source() string { return sources.DobBoilers }
func (BoilerRecord) isRecord()      {}

func (r BoilerRecord) AssetFields() *AssetFields {
	return &AssetFields{
		Source:        sources.DobBoilers,
		ExternalId:    strings.TrimSpace(r.BoilerId),
		AssetType:     models.AssetTypeBoiler,
		RawDeviceType: strings.TrimSpace(r.PressureType + " " + r.BoilerMake + " " + r.BoilerModel),
		Subtype:       normalize.BoilerPressure(r.PressureType),
		IsActive:      true,
	}
}

func (r BoilerRecord) EventFields() *EventFields {
	var ref *AssetRef
	if id := strings.TrimSpace(r.BoilerId); id != "" {
		ref = &AssetRef{Source: sources.DobBoilers, ExternalId: id, AssetType: models.AssetTypeBoiler}
	}
	return &EventFields{
		TrackingNumber: r.TrackingNumber,
		Kind:           r.InspectionType,
		Type:           models.EventTypeInspection,
		InspectionDate: utils.ParseUpstreamDate(r.InspectionDate),
		RawStatus:      r.ReportStatus,
		Defects:        yes(r.Defects),
		Asset:          ref,
		BIN:            r.BIN,
	}
}

// buildingAsset keys a per-building system (facade, gas piping, sprinkler) by
// its system id, falling back to the BIN.
func buildingAsset(source, assetType, systemId, bin string) *AssetFields {
	id := utils.FirstNonEmpty(systemId, bin)
	if id == "" {
		return nil
	}
	return &AssetFields{Source: source, ExternalId: id, AssetType: assetType, IsActive: true}
}

func refOf(a *AssetFields) *AssetRef {
	if a == nil {
		return nil
	}
	return &AssetRef{Source: a.Source, ExternalId: a.ExternalId, AssetType: a.AssetType}
}

type FacadeRecord struct {
	Tr6No         string `mapstructure:"tr6_no"`
	ControlNo     string `mapstructure:"control_no"`
	BIN           string `mapstructure:"bin"`
	Cycle         string `mapstructure:"cycle"`
	FilingType    string `mapstructure:"filing_type"`
	FilingDate    string `mapstructure:"filing_date"`
	FilingStatus  string `mapstructure:"filing_status"`
	CurrentStatus string `mapstructure:"current_status"`
}

func (FacadeRecord) Source() string { return sources.DobFacades }
func (FacadeRecord) isRecord()      {}

func (r FacadeRecord) AssetFields() *AssetFields {
	return buildingAsset(sources.DobFacades, models.AssetTypeFacade, r.ControlNo, r.BIN)
}

func (r FacadeRecord) EventFields() *EventFields {
	return &EventFields{
		TrackingNumber: r.Tr6No,
		Kind:           utils.FirstNonEmpty(r.FilingType, "cycle-"+r.Cycle),
		Type:           models.EventTypeFiling,
		FiledDate:      utils.ParseUpstreamDate(r.FilingDate),
		RawStatus:      utils.FirstNonEmpty(r.CurrentStatus, r.FilingStatus),
		Asset:          refOf(r.AssetFields()),
		BIN:            r.BIN,
	}
}

type GasPipingRecord struct {
	TrackingNumber string `mapstructure:"tracking_number"`
	BIN            string `mapstructure:"bin"`
	InspectionDate string `mapstructure:"inspection_date"`
	FilingDate     string `mapstructure:"filing_date"`
	FilingStatus   string `mapstructure:"filing_status"`
	Defects        string `mapstructure:"conditions_found"`
}

func (GasPipingRecord) Source() string { return sources.DobGasPiping }
func (GasPipingRecord) isRecord()      {}

func (r GasPipingRecord) AssetFields() *AssetFields {
	return buildingAsset(sources.DobGasPiping, models.AssetTypeGasPiping, "", r.BIN)
}

func (r GasPipingRecord) EventFields() *EventFields {
	return &EventFields{
		TrackingNumber: r.TrackingNumber,
		Kind:           "ll152",
		Type:           models.EventTypeFiling,
		InspectionDate: utils.ParseUpstreamDate(r.InspectionDate),
		FiledDate:      utils.ParseUpstreamDate(r.FilingDate),
		RawStatus:      r.FilingStatus,
		Defects:        yes(r.Defects),
		Asset:          refOf(r.AssetFields()),
		BIN:            r.BIN,
	}
}

type SprinklerRecord struct {
	TrackingNumber string `mapstructure:"tracking_number"`
	SystemId       string `mapstructure:"system_id"`
	BIN            string `mapstructure:"bin"`
	InspectionType string `mapstructure:"inspection_type"`
	InspectionDate string `mapstructure:"inspection_date"`
	Result         string `mapstructure:"result"`
}

func (SprinklerRecord) Source() string { return sources.FdnySprinklers }
func (SprinklerRecord) isRecord()      {}

func (r SprinklerRecord) AssetFields() *AssetFields {
	return buildingAsset(sources.FdnySprinklers, models.AssetTypeSprinkler, r.SystemId, r.BIN)
}

func (r SprinklerRecord) EventFields() *EventFields {
	return &EventFields{
		TrackingNumber: r.TrackingNumber,
		Kind:           r.InspectionType,
		Type:           models.EventTypeInspection,
		InspectionDate: utils.ParseUpstreamDate(r.InspectionDate),
		RawStatus:      r.Result,
		Asset:          refOf(r.AssetFields()),
		BIN:            r.BIN,
	}
}

type PermitRecord struct {
	JobNumber      string `mapstructure:"job__"`
	PermitSequence string `mapstructure:"permit_sequence__"`
	BIN            string `mapstructure:"bin__"`
	JobType        string `mapstructure:"job_type"`
	PermitType     string `mapstructure:"permit_type"`
	PermitStatus   string `mapstructure:"permit_status"`
	FilingDate     string `mapstructure:"filing_date"`
	IssuanceDate   string `mapstructure:"issuance_date"`
}

func (PermitRecord) Source() string { return sources.DobPermits }
func (PermitRecord) isRecord()      {}

func (r PermitRecord) EventFields() *EventFields {
	tracking := ""
	if job := strings.TrimSpace(r.JobNumber); job != "" {
		tracking = "permit:" + job
		if seq := strings.TrimSpace(r.PermitSequence); seq != "" {
			tracking += "-" + seq
		}
	}
	return &EventFields{
		TrackingNumber: tracking,
		Kind:           utils.FirstNonEmpty(r.PermitType, r.JobType, "permit"),
		Type:           models.EventTypeFiling,
		FiledDate:      utils.LatestDate(utils.ParseUpstreamDate(r.FilingDate), utils.ParseUpstreamDate(r.IssuanceDate)),
		RawStatus:      r.PermitStatus,
		BIN:            r.BIN,
	}
}

type RegistrationRecord struct {
	RegistrationId       string `mapstructure:"registrationid"`
	BuildingId           string `mapstructure:"buildingid"`
	BIN                  string `mapstructure:"bin"`
	LastRegistrationDate string `mapstructure:"lastregistrationdate"`
	RegistrationEndDate  string `mapstructure:"registrationenddate"`
}

func (RegistrationRecord) Source() string { return sources.HpdRegistrations }
func (RegistrationRecord) isRecord()      {}

func (r RegistrationRecord) EventFields() *EventFields {
	filed := utils.ParseUpstreamDate(r.LastRegistrationDate)
	tracking := ""
	if id := strings.TrimSpace(r.RegistrationId); id != "" && filed != nil {
		tracking = fmt.Sprintf("hpd-registration:%s:%s", id, filed.Format("2006-01-02"))
	}
	ev := &EventFields{
		TrackingNumber: tracking,
		Kind:           "registration",
		Type:           models.EventTypeFiling,
		FiledDate:      filed,
		Status:         models.ComplianceStatusInProgress,
		RawStatus:      "registration filed",
		BIN:            r.BIN,
	}
	if end := utils.ParseUpstreamDate(r.RegistrationEndDate); end != nil {
		ev.Status = models.ComplianceStatusAccepted
		ev.RawStatus = "registered through " + end.Format("2006-01-02")
	}
	return ev
}

type DobViolationRecord struct {
	Isn               string `mapstructure:"isn_dob_bis_viol"`
	ViolationNumber   string `mapstructure:"violation_number"`
	BIN               string `mapstructure:"bin"`
	DeviceNumber      string `mapstructure:"device_number"`
	IssueDate         string `mapstructure:"issue_date"`
	ViolationCategory string `mapstructure:"violation_category"`
	ViolationType     string `mapstructure:"violation_type"`
	Description       string `mapstructure:"description"`
}

func (DobViolationRecord) Source() string { return sources.DobViolations }
func (DobViolationRecord) isRecord()      {}

func (r DobViolationRecord) ViolationFields() *ViolationFields {
	return &ViolationFields{
		Agency:      "DOB",
		Number:      utils.FirstNonEmpty(r.ViolationNumber, r.Isn),
		IssueDate:   utils.ParseUpstreamDate(r.IssueDate),
		RawStatus:   r.ViolationCategory,
		Category:    models.ViolationCategoryViolation,
		Description: utils.FirstNonEmpty(r.Description, r.ViolationType),
		Asset:       elevatorRef(r.DeviceNumber),
	}
}

type EcbViolationRecord struct {
	EcbViolationNumber   string `mapstructure:"ecb_violation_number"`
	BIN                  string `mapstructure:"bin"`
	IssueDate            string `mapstructure:"issue_date"`
	EcbViolationStatus   string `mapstructure:"ecb_violation_status"`
	ViolationDescription string `mapstructure:"violation_description"`
	Severity             string `mapstructure:"severity"`
}

func (EcbViolationRecord) Source() string { return sources.EcbViolations }
func (EcbViolationRecord) isRecord()      {}

func (r EcbViolationRecord) ViolationFields() *ViolationFields {
	return &ViolationFields{
		Agency:      "ECB",
		Number:      r.EcbViolationNumber,
		IssueDate:   utils.ParseUpstreamDate(r.IssueDate),
		RawStatus:   r.EcbViolationStatus,
		Category:    models.ViolationCategoryViolation,
		Description: r.ViolationDescription,
	}
}

type HpdViolationRecord struct {
	ViolationId     string `mapstructure:"violationid"`
	BIN             string `mapstructure:"bin"`
	Class           string `mapstructure:"class"`
	NovIssuedDate   string `mapstructure:"novissueddate"`
	ViolationStatus string `mapstructure:"violationstatus"`
	CurrentStatus   string `mapstructure:"currentstatus"`
	NovDescription  string `mapstructure:"novdescription"`
}

func (HpdViolationRecord) Source() string { return sources.HpdViolations }
func (HpdViolationRecord) isRecord()      {}

func (r HpdViolationRecord) ViolationFields() *ViolationFields {
	number := ""
	if id := strings.TrimSpace(r.ViolationId); id != "" {
		number = "HPD-" + id
	}
	return &ViolationFields{
		Agency:      "HPD",
		Number:      number,
		IssueDate:   utils.ParseUpstreamDate(r.NovIssuedDate),
		RawStatus:   utils.FirstNonEmpty(r.ViolationStatus, r.CurrentStatus),
		Category:    models.ViolationCategoryViolation,
		Description: r.NovDescription,
	}
}

type ComplaintRecord struct {
	ComplaintNumber   string `mapstructure:"complaint_number"`
	BIN               string `mapstructure:"bin"`
	Status            string `mapstructure:"status"`
	DateEntered       string `mapstructure:"date_entered"`
	ComplaintCategory string `mapstructure:"complaint_category"`
	DispositionCode   string `mapstructure:"disposition_code"`
}

func (ComplaintRecord) Source() string { return sources.DobComplaints }
func (ComplaintRecord) isRecord()      {}

func (r ComplaintRecord) ViolationFields() *ViolationFields {
	number := ""
	if n := strings.TrimSpace(r.ComplaintNumber); n != "" {
		number = "COMPLAINT-" + n
	}
	return &ViolationFields{
		Agency:      "DOB",
		Number:      number,
		IssueDate:   utils.ParseUpstreamDate(r.DateEntered),
		RawStatus:   r.Status,
		Category:    models.ViolationCategoryComplaint,
		Description: r.ComplaintCategory,
	}
}

var recordFactories = map[string]func() Record{
	sources.DobElevatorDevices:     func() Record { return &ElevatorDeviceRecord{} },
	sources.DobElevatorInspections: func() Record { return &ElevatorInspectionRecord{} },
	sources.DobBoilers:             func() Record { return &BoilerRecord{} },
	sources.DobFacades:             func() Record { return &FacadeRecord{} },
	sources.DobGasPiping:           func() Record { return &GasPipingRecord{} },
	sources.FdnySprinklers:         func() Record { return &SprinklerRecord{} },
	sources.DobPermits:             func() Record { return &PermitRecord{} },
	sources.HpdRegistrations:       func() Record { return &RegistrationRecord{} },
	sources.DobViolations:          func() Record { return &DobViolationRecord{} },
	sources.EcbViolations:          func() Record { return &EcbViolationRecord{} },
	sources.HpdViolations:          func() Record { return &HpdViolationRecord{} },
	sources.DobComplaints:          func() Record { return &ComplaintRecord{} },
}

// DecodeRecord decodes a raw row of source into its typed variant. Numbers and
// booleans are accepted where the variant expects strings.
func DecodeRecord(source string, raw sources.RawRecord) (Record, error) {
	factory, ok := recordFactories[source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	rec := factory()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           rec,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(map[string]any(raw)); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", source, err)
	}
	return rec, nil
}
