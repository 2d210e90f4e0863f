// Package study provides the typed ClinicalTrials.gov study model, the
// structural validator that produces it from raw API JSON, and the
// transformer that flattens it into per-table row batches.
//
// API reference: https://clinicaltrials.gov/data-api/api
package study

import (
	"time"
)

type (
	// Study is the typed form of one raw study payload. Field names mirror
	// the V2 API's camelCase JSON; unknown fields are tolerated for forward
	// compatibility. Optional scalars are pointers so that absent values
	// survive as NULL through to the warehouse.
	Study struct {
		ProtocolSection ProtocolSection `json:"protocolSection"`
		HasResults      *bool           `json:"hasResults"`
	}

	// ProtocolSection groups the protocol modules consumed by the loader.
	// Modules the loader does not normalize (eligibility, contacts, ...) are
	// intentionally absent; they remain available in the raw payload.
	ProtocolSection struct {
		Identification       IdentificationModule        `json:"identificationModule"`
		Status               StatusModule                `json:"statusModule"`
		SponsorCollaborators *SponsorCollaboratorsModule `json:"sponsorCollaboratorsModule"`
		Description          *DescriptionModule          `json:"descriptionModule"`
		Conditions           *ConditionsModule           `json:"conditionsModule"`
		Design               *DesignModule               `json:"designModule"`
		ArmsInterventions    *ArmsInterventionsModule    `json:"armsInterventionsModule"`
		Outcomes             *OutcomesModule             `json:"outcomesModule"`
	}

	// IdentificationModule carries the study identifiers and titles.
	IdentificationModule struct {
		NCTID         string  `json:"nctId"`
		BriefTitle    *string `json:"briefTitle"`
		OfficialTitle *string `json:"officialTitle"`
	}

	// StatusModule carries status and the partial-date structs.
	StatusModule struct {
		OverallStatus         *string     `json:"overallStatus"`
		StartDate             *DateStruct `json:"startDateStruct"`
		PrimaryCompletionDate *DateStruct `json:"primaryCompletionDateStruct"`
		LastUpdatePostDate    *DateStruct `json:"lastUpdatePostDateStruct"`
	}

	// DateStruct is the API's partial-date container. Date may be a full
	// ISO date, a year-month, or a bare year.
	DateStruct struct {
		Date *string `json:"date"`
		Type *string `json:"type"`
	}

	// SponsorCollaboratorsModule lists the lead sponsor and collaborators.
	SponsorCollaboratorsModule struct {
		LeadSponsor   *Sponsor  `json:"leadSponsor"`
		Collaborators []Sponsor `json:"collaborators"`
	}

	// Sponsor is one sponsoring agency. AgencyClass maps the API's "class".
	Sponsor struct {
		Name        *string `json:"name"`
		AgencyClass *string `json:"class"`
	}

	// DescriptionModule carries the free-text summaries.
	DescriptionModule struct {
		BriefSummary        *string `json:"briefSummary"`
		DetailedDescription *string `json:"detailedDescription"`
	}

	// ConditionsModule lists the studied conditions.
	ConditionsModule struct {
		Conditions []string `json:"conditions"`
	}

	// DesignModule carries the study design attributes.
	DesignModule struct {
		StudyType *string  `json:"studyType"`
		Phases    []string `json:"phases"`
	}

	// ArmsInterventionsModule lists interventions and their arm groups.
	ArmsInterventionsModule struct {
		Interventions []Intervention `json:"interventions"`
	}

	// Intervention is one intervention with its arm-group mapping labels.
	Intervention struct {
		Type           *string  `json:"type"`
		Name           *string  `json:"name"`
		Description    *string  `json:"description"`
		ArmGroupLabels []string `json:"armGroupLabels"`
	}

	// OutcomesModule lists the declared outcome measures.
	OutcomesModule struct {
		PrimaryOutcomes   []Outcome `json:"primaryOutcomes"`
		SecondaryOutcomes []Outcome `json:"secondaryOutcomes"`
		OtherOutcomes     []Outcome `json:"otherOutcomes"`
	}

	// Outcome is one outcome measure.
	Outcome struct {
		Measure     *string `json:"measure"`
		Description *string `json:"description"`
		TimeFrame   *string `json:"timeFrame"`
	}
)

// NCTID returns the study's primary identifier.
func (s *Study) NCTID() string {
	return s.ProtocolSection.Identification.NCTID
}

// Overall-status values allowed by the V2 API schema.
var validOverallStatuses = map[string]bool{
	"ACTIVE_NOT_RECRUITING":     true,
	"COMPLETED":                 true,
	"ENROLLING_BY_INVITATION":   true,
	"NOT_YET_RECRUITING":        true,
	"RECRUITING":                true,
	"SUSPENDED":                 true,
	"TERMINATED":                true,
	"WITHDRAWN":                 true,
	"AVAILABLE":                 true,
	"NO_LONGER_AVAILABLE":       true,
	"TEMPORARILY_NOT_AVAILABLE": true,
	"APPROVED_FOR_MARKETING":    true,
	"WITHHELD":                  true,
	"UNKNOWN":                   true,
}

// Study-type values allowed by the V2 API schema.
var validStudyTypes = map[string]bool{
	"EXPANDED_ACCESS": true,
	"INTERVENTIONAL":  true,
	"OBSERVATIONAL":   true,
}

// Date layouts accepted for partial dates, most specific first.
var dateLayouts = []string{"2006-01-02", "2006-01", "2006"}

// ParseDate parses an ISO date that may be partial (YYYY-MM-DD, YYYY-MM,
// or YYYY) into a UTC timestamp. Returns nil when the string is empty or
// does not match any accepted layout; callers keep the original string
// alongside the parsed value.
func ParseDate(dateStr string) *time.Time {
	if dateStr == "" {
		return nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, dateStr, time.UTC); err == nil {
			return &t
		}
	}

	return nil
}
