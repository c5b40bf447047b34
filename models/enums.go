package models

// Closed enumerations of the domain. Each type lists its members in an All*
// slice so aggregations can emit every member, including empty ones.

// EventKind discriminates RawEvent payloads.
type EventKind string

const (
	KindProductionRun     EventKind = "ProductionRun"
	KindDowntimeEvent     EventKind = "DowntimeEvent"
	KindQualityInspection EventKind = "QualityInspection"
	KindCostEntry         EventKind = "CostEntry"
	KindAbnormalityReport EventKind = "AbnormalityReport"
	KindKaizenReport      EventKind = "KaizenReport"
	KindSafetyIncident    EventKind = "SafetyIncident"
	KindRootCauseReport   EventKind = "RootCauseReport"
	KindFiveSAudit        EventKind = "FiveSAudit"
)

var AllEventKinds = []EventKind{
	KindProductionRun, KindDowntimeEvent, KindQualityInspection, KindCostEntry,
	KindAbnormalityReport, KindKaizenReport, KindSafetyIncident, KindRootCauseReport,
	KindFiveSAudit,
}

func (k EventKind) Valid() bool { return contains(AllEventKinds, k) }

// DowntimeCategory segments downtime losses.
type DowntimeCategory string

const (
	DowntimeMechanical      DowntimeCategory = "Mechanical"
	DowntimeElectrical      DowntimeCategory = "Electrical"
	DowntimeInstrumentation DowntimeCategory = "Instrumentation"
	DowntimeSetting         DowntimeCategory = "Setting"
	DowntimeOther           DowntimeCategory = "Other"
)

var AllDowntimeCategories = []DowntimeCategory{
	DowntimeMechanical, DowntimeElectrical, DowntimeInstrumentation, DowntimeSetting, DowntimeOther,
}

func (c DowntimeCategory) Valid() bool { return contains(AllDowntimeCategories, c) }

// AbnormalityCategory classifies abnormalities found during autonomous maintenance.
type AbnormalityCategory string

const (
	AbnormalityMinorFlaw           AbnormalityCategory = "MinorFlaw"
	AbnormalityBasicCondition      AbnormalityCategory = "BasicCondition"
	AbnormalityInaccessiblePlace   AbnormalityCategory = "InaccessiblePlace"
	AbnormalityContaminationSource AbnormalityCategory = "ContaminationSource"
	AbnormalityQualityDefect       AbnormalityCategory = "QualityDefect"
	AbnormalityUnnecessaryItem     AbnormalityCategory = "UnnecessaryItem"
	AbnormalityUnsafePlace         AbnormalityCategory = "UnsafePlace"
)

var AllAbnormalityCategories = []AbnormalityCategory{
	AbnormalityMinorFlaw, AbnormalityBasicCondition, AbnormalityInaccessiblePlace,
	AbnormalityContaminationSource, AbnormalityQualityDefect, AbnormalityUnnecessaryItem,
	AbnormalityUnsafePlace,
}

func (c AbnormalityCategory) Valid() bool { return contains(AllAbnormalityCategories, c) }

// AbnormalityState is the lifecycle state of an abnormality.
type AbnormalityState string

const (
	AbnormalityIdentified AbnormalityState = "Identified"
	AbnormalityInProgress AbnormalityState = "InProgress"
	AbnormalityClosed     AbnormalityState = "Closed"
)

// Next returns the only state reachable from s, and false for Closed.
func (s AbnormalityState) Next() (AbnormalityState, bool) {
	switch s {
	case AbnormalityIdentified:
		return AbnormalityInProgress, true
	case AbnormalityInProgress:
		return AbnormalityClosed, true
	default:
		return "", false
	}
}

// AbnormalityAction is the operation carried by an AbnormalityReport.
type AbnormalityAction string

const (
	AbnormalityActionIdentify AbnormalityAction = "identify"
	AbnormalityActionStart    AbnormalityAction = "start"
	AbnormalityActionClose    AbnormalityAction = "close"
	AbnormalityActionNote     AbnormalityAction = "note"
)

var allAbnormalityActions = []AbnormalityAction{
	AbnormalityActionIdentify, AbnormalityActionStart, AbnormalityActionClose, AbnormalityActionNote,
}

func (a AbnormalityAction) Valid() bool { return contains(allAbnormalityActions, a) }

// KaizenClassification is the PQCDSE taxonomy.
type KaizenClassification string

const (
	KaizenProductivity KaizenClassification = "P"
	KaizenQuality      KaizenClassification = "Q"
	KaizenCost         KaizenClassification = "C"
	KaizenDelivery     KaizenClassification = "D"
	KaizenSafety       KaizenClassification = "S"
	KaizenEnvironment  KaizenClassification = "E"
)

var AllKaizenClassifications = []KaizenClassification{
	KaizenProductivity, KaizenQuality, KaizenCost, KaizenDelivery, KaizenSafety, KaizenEnvironment,
}

func (c KaizenClassification) Valid() bool { return contains(AllKaizenClassifications, c) }

// KaizenState is the lifecycle state of a kaizen.
type KaizenState string

const (
	KaizenImplemented KaizenState = "Implemented"
	KaizenReplicated  KaizenState = "Replicated"
)

// KaizenAction is the operation carried by a KaizenReport.
type KaizenAction string

const (
	KaizenActionImplement KaizenAction = "implement"
	KaizenActionReplicate KaizenAction = "replicate"
)

func (a KaizenAction) Valid() bool {
	return a == KaizenActionImplement || a == KaizenActionReplicate
}

// RCAState is the lifecycle state of a root cause analysis.
type RCAState string

const (
	RCAPending RCAState = "Pending"
	RCAClosed  RCAState = "Closed"
)

// RCAAction is the operation carried by a RootCauseReport.
type RCAAction string

const (
	RCAActionOpen  RCAAction = "open"
	RCAActionClose RCAAction = "close"
)

func (a RCAAction) Valid() bool {
	return a == RCAActionOpen || a == RCAActionClose
}

// CostCategory groups cost ledger entries.
type CostCategory string

const (
	CostLabor       CostCategory = "Labor"
	CostPower       CostCategory = "Power"
	CostFuel        CostCategory = "Fuel"
	CostMaintenance CostCategory = "Maintenance"
	CostMaterial    CostCategory = "Material"
	CostWater       CostCategory = "Water"
	CostFreight     CostCategory = "Freight"
	CostOther       CostCategory = "Other"
)

var AllCostCategories = []CostCategory{
	CostLabor, CostPower, CostFuel, CostMaintenance, CostMaterial, CostWater, CostFreight, CostOther,
}

func (c CostCategory) Valid() bool { return contains(AllCostCategories, c) }

// SafetySeverity grades safety incidents.
type SafetySeverity string

const (
	SafetyNearMiss SafetySeverity = "NearMiss"
	SafetyFirstAid SafetySeverity = "FirstAid"
	SafetyLostTime SafetySeverity = "LostTime"
)

var AllSafetySeverities = []SafetySeverity{SafetyNearMiss, SafetyFirstAid, SafetyLostTime}

func (s SafetySeverity) Valid() bool { return contains(AllSafetySeverities, s) }

// Scope says whether a snapshot describes one equipment unit or a whole line.
type Scope string

const (
	ScopeEquipment Scope = "equipment"
	ScopeLine      Scope = "line"
)

func (s Scope) Valid() bool { return s == ScopeEquipment || s == ScopeLine }

func contains[T comparable](set []T, v T) bool {
	for _, m := range set {
		if m == v {
			return true
		}
	}
	return false
}
