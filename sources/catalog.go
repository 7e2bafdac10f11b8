package sources

import (
	"os"
	"strings"
)

// Source keys. They double as the raw_source of stored records and the
// dataset_key of programs.
const (
	DobElevatorDevices     = "dob_elevator_devices"
	DobElevatorInspections = "dob_elevator_inspections"
	DobBoilers             = "dob_boilers"
	DobFacades             = "dob_facades"
	DobGasPiping           = "dob_gas_piping"
	DobPermits             = "dob_permits"
	DobViolations          = "dob_violations"
	EcbViolations          = "ecb_violations"
	HpdViolations          = "hpd_violations"
	DobComplaints          = "dob_complaints"
	HpdRegistrations       = "hpd_registrations"
	FdnySprinklers         = "fdny_sprinklers"
)

// Dataset describes how to query one Socrata dataset by building identifier.
// Empty field names mean the dataset cannot be queried that way.
type Dataset struct {
	Key          string
	ID           string
	BINField     string
	BBLField     string
	BoroughField string
	BlockField   string
	LotField     string
	// Borough values are names ("MANHATTAN") rather than codes.
	BoroughAsName bool
	// Block and lot are stored without zero padding.
	TrimBlockLot bool
	DateField    string
	// DateLayout formats the since cursor for DateField.
	DateLayout string
}

const (
	floatingTimestamp = "2006-01-02T15:04:05"
	compactDate       = "20060102"
)

// Order is the apply order of a full property sync. Device sources precede the
// inspection sources that reference their assets.
var Order = []string{
	DobElevatorDevices,
	DobElevatorInspections,
	DobBoilers,
	DobFacades,
	DobGasPiping,
	FdnySprinklers,
	DobPermits,
	HpdRegistrations,
	DobViolations,
	EcbViolations,
	HpdViolations,
	DobComplaints,
}

func defaultCatalog() map[string]Dataset {
	return map[string]Dataset{
		DobElevatorDevices: {
			Key: DobElevatorDevices, BINField: "bin", BoroughField: "borough", BlockField: "block", LotField: "lot",
			BoroughAsName: true, DateField: "status_date", DateLayout: floatingTimestamp,
		},
		DobElevatorInspections: {
			Key: DobElevatorInspections, BINField: "bin",
			DateField: "inspection_date", DateLayout: floatingTimestamp,
		},
		DobBoilers: {
			Key: DobBoilers, ID: "52dp-yji6", BINField: "bin_number",
			DateField: "inspection_date", DateLayout: floatingTimestamp,
		},
		DobFacades: {
			Key: DobFacades, ID: "xubg-57si", BINField: "bin", BoroughField: "borough", BlockField: "block", LotField: "lot",
			BoroughAsName: true, DateField: "filing_date", DateLayout: floatingTimestamp,
		},
		DobGasPiping: {
			Key: DobGasPiping, BINField: "bin",
			DateField: "inspection_date", DateLayout: floatingTimestamp,
		},
		DobPermits: {
			Key: DobPermits, ID: "ipu4-2q9a", BINField: "bin__", BoroughField: "borough", BlockField: "block", LotField: "lot",
			BoroughAsName: true, DateField: "filing_date", DateLayout: floatingTimestamp,
		},
		DobViolations: {
			Key: DobViolations, ID: "3h2n-5cm9", BINField: "bin", BoroughField: "boro", BlockField: "block", LotField: "lot",
			DateField: "issue_date", DateLayout: compactDate,
		},
		EcbViolations: {
			Key: EcbViolations, ID: "6bgk-3dad", BINField: "bin", BoroughField: "boro", BlockField: "block", LotField: "lot",
			DateField: "issue_date", DateLayout: compactDate,
		},
		HpdViolations: {
			Key: HpdViolations, ID: "wvxf-dwi5", BINField: "bin", BBLField: "bbl", BoroughField: "boroid", BlockField: "block", LotField: "lot",
			TrimBlockLot: true, DateField: "novissueddate", DateLayout: floatingTimestamp,
		},
		DobComplaints: {
			Key: DobComplaints, ID: "eabe-havv", BINField: "bin",
		},
		HpdRegistrations: {
			Key: HpdRegistrations, ID: "tesw-yqqr", BINField: "bin", BoroughField: "boroid", BlockField: "block", LotField: "lot",
			TrimBlockLot: true, DateField: "lastregistrationdate", DateLayout: floatingTimestamp,
		},
		FdnySprinklers: {
			Key: FdnySprinklers, BINField: "bin",
			DateField: "inspection_date", DateLayout: floatingTimestamp,
		},
	}
}

// Catalog returns the dataset catalogue with ids overridden from env
// (SOCRATA_DATASET_<KEY>, e.g. SOCRATA_DATASET_DOB_ELEVATOR_DEVICES). Datasets
// without an id have no provider.
func Catalog() map[string]Dataset {
	catalog := defaultCatalog()
	for key, ds := range catalog {
		if v := strings.TrimSpace(os.Getenv("SOCRATA_DATASET_" + strings.ToUpper(key))); v != "" {
			ds.ID = v
			catalog[key] = ds
		}
	}
	return catalog
}
