package study

import (
	"strings"
)

// Target table names, in merge dependency order: raw_studies owns the
// nct_id namespace, studies and the child tables FK to it.
const (
	TableRawStudies            = "raw_studies"
	TableStudies               = "studies"
	TableSponsors              = "sponsors"
	TableConditions            = "conditions"
	TableInterventions         = "interventions"
	TableInterventionArmGroups = "intervention_arm_groups"
	TableDesignOutcomes        = "design_outcomes"
)

// TableRows is one table's batch: column ordering matches the staging DDL,
// KeyColumns is the table's declared natural key (the merge conflict target).
type TableRows struct {
	Table      string
	Columns    []string
	KeyColumns []string
	Rows       [][]any
}

// tableSpec pins column order and natural key per target table.
type tableSpec struct {
	name    string
	columns []string
	keys    []string
}

var tableSpecs = []tableSpec{
	{
		name:    TableRawStudies,
		columns: []string{"nct_id", "last_updated_api", "last_updated_api_str", "ingestion_timestamp", "payload"},
		keys:    []string{"nct_id"},
	},
	{
		name: TableStudies,
		columns: []string{
			"nct_id", "brief_title", "official_title", "overall_status",
			"start_date", "start_date_str",
			"primary_completion_date", "primary_completion_date_str",
			"study_type", "brief_summary",
		},
		keys: []string{"nct_id"},
	},
	{
		name:    TableSponsors,
		columns: []string{"nct_id", "name", "agency_class", "is_lead"},
		keys:    []string{"nct_id", "name", "agency_class"},
	},
	{
		name:    TableConditions,
		columns: []string{"nct_id", "name"},
		keys:    []string{"nct_id", "name"},
	},
	{
		name:    TableInterventions,
		columns: []string{"nct_id", "intervention_type", "name", "description"},
		keys:    []string{"nct_id", "intervention_type", "name"},
	},
	{
		name:    TableInterventionArmGroups,
		columns: []string{"nct_id", "intervention_name", "arm_group_label"},
		keys:    []string{"nct_id", "intervention_name", "arm_group_label"},
	},
	{
		name:    TableDesignOutcomes,
		columns: []string{"nct_id", "outcome_type", "measure", "time_frame", "description"},
		keys:    []string{"nct_id", "outcome_type", "measure"},
	},
}

// Batch accumulates flattened rows for all seven target tables. The
// orchestrator owns the batch; the transformer appends to it and stays
// stateless between studies.
type Batch struct {
	rows         map[string][][]any
	seen         map[string]struct{}
	studyCount   int
	payloadBytes int64
}

// NewBatch creates an empty row batch.
func NewBatch() *Batch {
	b := &Batch{}
	b.Reset()

	return b
}

// Reset empties all buffers so the batch can be reused after a flush.
func (b *Batch) Reset() {
	b.rows = make(map[string][][]any, len(tableSpecs))
	b.seen = make(map[string]struct{})
	b.studyCount = 0
	b.payloadBytes = 0
}

// StudyCount returns the number of studies appended since the last Reset.
func (b *Batch) StudyCount() int {
	return b.studyCount
}

// PayloadBytes returns the accumulated raw payload size since the last
// Reset. Used for the size-based flush threshold.
func (b *Batch) PayloadBytes() int64 {
	return b.payloadBytes
}

// Tables returns the non-empty per-table batches in merge dependency order:
// raw_studies first, then studies, then the child tables.
func (b *Batch) Tables() []TableRows {
	tables := make([]TableRows, 0, len(tableSpecs))

	for _, spec := range tableSpecs {
		rows := b.rows[spec.name]
		if len(rows) == 0 {
			continue
		}

		tables = append(tables, TableRows{
			Table:      spec.name,
			Columns:    spec.columns,
			KeyColumns: spec.keys,
			Rows:       rows,
		})
	}

	return tables
}

// beginStudy opens a fresh dedup scope. Duplicate natural keys collapse
// first-occurrence-wins within one study only; a later record carrying the
// same nct_id appends its own rows, and the merge keeps the last staged row
// per key.
func (b *Batch) beginStudy() {
	b.seen = make(map[string]struct{})
}

// append adds one row to a table buffer, collapsing duplicate natural keys
// within the current study (first occurrence wins). keyParts must follow
// the table's key column order.
func (b *Batch) append(table string, keyParts []string, row []any) {
	dedupKey := table + "\x1f" + strings.Join(keyParts, "\x1f")
	if _, dup := b.seen[dedupKey]; dup {
		return
	}

	b.seen[dedupKey] = struct{}{}
	b.rows[table] = append(b.rows[table], row)
}
