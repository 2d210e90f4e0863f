package study

import (
	"encoding/json"
	"testing"
	"time"
)

// transformOne validates and transforms a single raw payload into a fresh
// batch, failing the test on any validation error.
func transformOne(t *testing.T, raw string) *Batch {
	t.Helper()

	validator := NewValidator()
	transformer := NewTransformer()
	batch := NewBatch()

	s, err := validator.Validate(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	transformer.Transform(batch, s, json.RawMessage(raw))

	return batch
}

// rowsFor returns the buffered rows of one table, or nil when the table has
// no rows in the batch.
func rowsFor(batch *Batch, table string) [][]any {
	for _, tr := range batch.Tables() {
		if tr.Table == table {
			return tr.Rows
		}
	}

	return nil
}

func TestTransform_FullStudy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	raw := `{
		"protocolSection": {
			"identificationModule": {
				"nctId": "NCT01234567",
				"briefTitle": "Brief",
				"officialTitle": "Official"
			},
			"statusModule": {
				"overallStatus": "COMPLETED",
				"startDateStruct": {"date": "2020-03"},
				"primaryCompletionDateStruct": {"date": "2022-11-30"},
				"lastUpdatePostDateStruct": {"date": "2023-01-10"}
			},
			"descriptionModule": {"briefSummary": "Summary text"},
			"sponsorCollaboratorsModule": {
				"leadSponsor": {"name": "Acme Pharma", "class": "INDUSTRY"},
				"collaborators": [{"name": "State University", "class": "OTHER"}]
			},
			"conditionsModule": {"conditions": ["Hypertension", "Obesity"]},
			"designModule": {"studyType": "INTERVENTIONAL"},
			"armsInterventionsModule": {
				"interventions": [
					{
						"type": "DRUG",
						"name": "Acmezumab",
						"description": "Monoclonal antibody",
						"armGroupLabels": ["Treatment", "Open Label Extension"]
					}
				]
			},
			"outcomesModule": {
				"primaryOutcomes": [{"measure": "Change in SBP", "timeFrame": "12 weeks"}],
				"secondaryOutcomes": [{"measure": "Weight change"}],
				"otherOutcomes": [{"measure": "QoL score"}]
			}
		}
	}`

	batch := transformOne(t, raw)

	if batch.StudyCount() != 1 {
		t.Errorf("StudyCount() = %d, want 1", batch.StudyCount())
	}

	if batch.PayloadBytes() != int64(len(raw)) {
		t.Errorf("PayloadBytes() = %d, want %d", batch.PayloadBytes(), len(raw))
	}

	wantRows := map[string]int{
		TableRawStudies:            1,
		TableStudies:               1,
		TableSponsors:              2,
		TableConditions:            2,
		TableInterventions:         1,
		TableInterventionArmGroups: 2,
		TableDesignOutcomes:        3,
	}

	for table, want := range wantRows {
		if got := len(rowsFor(batch, table)); got != want {
			t.Errorf("%s rows = %d, want %d", table, got, want)
		}
	}

	// Lead sponsor carries is_lead = true, collaborator false.
	sponsorRows := rowsFor(batch, TableSponsors)
	if sponsorRows[0][3] != true {
		t.Errorf("lead sponsor is_lead = %v, want true", sponsorRows[0][3])
	}

	if sponsorRows[1][3] != false {
		t.Errorf("collaborator is_lead = %v, want false", sponsorRows[1][3])
	}

	// Partial start date resolves to the first of the month; the original
	// string is preserved alongside.
	studyRow := rowsFor(batch, TableStudies)[0]
	if got := *studyRow[5].(*string); got != "2020-03" {
		t.Errorf("start_date_str = %q, want 2020-03", got)
	}

	// Dependency order: raw_studies must come first, studies second.
	tables := batch.Tables()
	if tables[0].Table != TableRawStudies || tables[1].Table != TableStudies {
		t.Errorf("merge order = [%s, %s, ...], want [raw_studies, studies, ...]",
			tables[0].Table, tables[1].Table)
	}
}

func TestTransform_DuplicateNaturalKeysCollapse(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	raw := `{
		"protocolSection": {
			"identificationModule": {"nctId": "NCT00000001"},
			"conditionsModule": {"conditions": ["Asthma", "Asthma", "COPD"]},
			"sponsorCollaboratorsModule": {
				"leadSponsor": {"name": "Acme", "class": "INDUSTRY"},
				"collaborators": [{"name": "Acme", "class": "INDUSTRY"}]
			}
		}
	}`

	batch := transformOne(t, raw)

	if got := len(rowsFor(batch, TableConditions)); got != 2 {
		t.Errorf("conditions rows = %d, want 2 (duplicate collapsed)", got)
	}

	// First occurrence wins: the lead sponsor row survives, the duplicate
	// collaborator row is dropped.
	sponsorRows := rowsFor(batch, TableSponsors)
	if len(sponsorRows) != 1 {
		t.Fatalf("sponsors rows = %d, want 1", len(sponsorRows))
	}

	if sponsorRows[0][3] != true {
		t.Errorf("surviving sponsor is_lead = %v, want true (first occurrence wins)", sponsorRows[0][3])
	}
}

func TestTransform_RepeatedStudyAppendsAgain(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rawOld := `{"protocolSection":{"identificationModule":{"nctId":"NCT00000001","briefTitle":"Old"}}}`
	rawNew := `{"protocolSection":{"identificationModule":{"nctId":"NCT00000001","briefTitle":"New"}}}`

	validator := NewValidator()
	transformer := NewTransformer()
	batch := NewBatch()

	for _, raw := range []string{rawOld, rawNew} {
		s, err := validator.Validate(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("Validate() error = %v", err)
		}

		transformer.Transform(batch, s, json.RawMessage(raw))
	}

	// Dedup is scoped per study: a fresher record for the same nct_id must
	// stage its own rows so the merge resolves to the later copy.
	studyRows := rowsFor(batch, TableStudies)
	if len(studyRows) != 2 {
		t.Fatalf("studies rows = %d, want 2 (repeated study buffered again)", len(studyRows))
	}

	if got := *studyRows[1][1].(*string); got != "New" {
		t.Errorf("last buffered brief_title = %q, want New", got)
	}

	if got := len(rowsFor(batch, TableRawStudies)); got != 2 {
		t.Errorf("raw_studies rows = %d, want 2", got)
	}
}

func TestTransform_MissingKeyPartsSkipped(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	raw := `{
		"protocolSection": {
			"identificationModule": {"nctId": "NCT00000001"},
			"sponsorCollaboratorsModule": {
				"leadSponsor": {"class": "INDUSTRY"}
			},
			"armsInterventionsModule": {
				"interventions": [
					{"type": "DRUG"},
					{"name": "Placebo"}
				]
			},
			"outcomesModule": {
				"primaryOutcomes": [{"timeFrame": "4 weeks"}]
			}
		}
	}`

	batch := transformOne(t, raw)

	if rows := rowsFor(batch, TableSponsors); rows != nil {
		t.Errorf("sponsors rows = %d, want 0 (nameless sponsor skipped)", len(rows))
	}

	if rows := rowsFor(batch, TableDesignOutcomes); rows != nil {
		t.Errorf("design_outcomes rows = %d, want 0 (measureless outcome skipped)", len(rows))
	}

	// The nameless intervention is skipped; the typeless one is kept with
	// an empty-string type so the natural key still matches.
	rows := rowsFor(batch, TableInterventions)
	if len(rows) != 1 {
		t.Fatalf("interventions rows = %d, want 1", len(rows))
	}

	if rows[0][1] != "" {
		t.Errorf("intervention_type = %v, want empty string", rows[0][1])
	}
}

func TestTransform_UnparseableDateKeepsString(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	raw := `{
		"protocolSection": {
			"identificationModule": {"nctId": "NCT00000001"},
			"statusModule": {
				"startDateStruct": {"date": "sometime in 2020"}
			}
		}
	}`

	batch := transformOne(t, raw)

	studyRow := rowsFor(batch, TableStudies)[0]

	startDate, ok := studyRow[4].(*time.Time)
	if !ok || startDate != nil {
		t.Errorf("start_date = %v, want nil", studyRow[4])
	}

	if got := *studyRow[5].(*string); got != "sometime in 2020" {
		t.Errorf("start_date_str = %q, want original string", got)
	}
}

func TestBatchReset(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	raw := `{"protocolSection":{"identificationModule":{"nctId":"NCT00000001"}}}`

	batch := transformOne(t, raw)

	if batch.StudyCount() != 1 {
		t.Fatalf("StudyCount() = %d, want 1", batch.StudyCount())
	}

	batch.Reset()

	if batch.StudyCount() != 0 || batch.PayloadBytes() != 0 || len(batch.Tables()) != 0 {
		t.Error("Reset() did not clear the batch")
	}

	// After a reset the same study may be appended again (new flush cycle).
	validator := NewValidator()
	transformer := NewTransformer()

	s, err := validator.Validate(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	transformer.Transform(batch, s, json.RawMessage(raw))

	if got := len(rowsFor(batch, TableRawStudies)); got != 1 {
		t.Errorf("raw_studies rows after reset = %d, want 1", got)
	}
}
