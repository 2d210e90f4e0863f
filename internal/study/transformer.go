package study

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/ctgov-io/ctloader/internal/config"
)

// Outcome types carried into design_outcomes. These are the values the
// API schema defines; anything else is dropped.
const (
	OutcomeTypePrimary   = "PRIMARY"
	OutcomeTypeSecondary = "SECONDARY"
	OutcomeTypeOther     = "OTHER"
)


// Transformer flattens one typed study (plus its untouched raw payload)
// into the per-table row buffers of a Batch. It holds no per-study state;
// all accumulation lives in the Batch owned by the orchestrator.
type Transformer struct {
	logger *slog.Logger
}

// NewTransformer creates a Transformer with a JSON logger on stdout.
func NewTransformer() *Transformer {
	return &Transformer{
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Transform appends one study's rows to the batch. The raw payload is
// carried forward verbatim into raw_studies for replay. Duplicate natural
// keys within the study are collapsed, first occurrence wins; a repeated
// study later in the batch appends again and supersedes the earlier rows
// at merge time. Child rows whose natural-key parts are absent are
// skipped: they could never be merged against the table's key.
func (t *Transformer) Transform(batch *Batch, s *Study, raw json.RawMessage) {
	nctID := s.NCTID()

	batch.beginStudy()

	t.transformRawStudy(batch, nctID, s, raw)
	t.transformStudy(batch, nctID, s)
	t.transformSponsors(batch, nctID, s)
	t.transformConditions(batch, nctID, s)
	t.transformInterventions(batch, nctID, s)
	t.transformArmGroups(batch, nctID, s)
	t.transformOutcomes(batch, nctID, s)

	batch.studyCount++
	batch.payloadBytes += int64(len(raw))
}

func (t *Transformer) transformRawStudy(batch *Batch, nctID string, s *Study, raw json.RawMessage) {
	var lastUpdatedStr *string
	if lu := s.ProtocolSection.Status.LastUpdatePostDate; lu != nil {
		lastUpdatedStr = lu.Date
	}

	batch.append(TableRawStudies, []string{nctID}, []any{
		nctID,
		t.parseDate(nctID, lastUpdatedStr),
		lastUpdatedStr,
		time.Now().UTC(),
		string(raw),
	})
}

func (t *Transformer) transformStudy(batch *Batch, nctID string, s *Study) {
	ident := s.ProtocolSection.Identification
	status := s.ProtocolSection.Status

	var startDateStr, completionDateStr *string
	if status.StartDate != nil {
		startDateStr = status.StartDate.Date
	}

	if status.PrimaryCompletionDate != nil {
		completionDateStr = status.PrimaryCompletionDate.Date
	}

	var studyType *string
	if s.ProtocolSection.Design != nil {
		studyType = s.ProtocolSection.Design.StudyType
	}

	var briefSummary *string
	if s.ProtocolSection.Description != nil {
		briefSummary = s.ProtocolSection.Description.BriefSummary
	}

	batch.append(TableStudies, []string{nctID}, []any{
		nctID,
		ident.BriefTitle,
		ident.OfficialTitle,
		status.OverallStatus,
		t.parseDate(nctID, startDateStr),
		startDateStr,
		t.parseDate(nctID, completionDateStr),
		completionDateStr,
		studyType,
		briefSummary,
	})
}

func (t *Transformer) transformSponsors(batch *Batch, nctID string, s *Study) {
	module := s.ProtocolSection.SponsorCollaborators
	if module == nil {
		return
	}

	if lead := module.LeadSponsor; lead != nil {
		t.appendSponsor(batch, nctID, lead, true)
	}

	for i := range module.Collaborators {
		t.appendSponsor(batch, nctID, &module.Collaborators[i], false)
	}
}

func (t *Transformer) appendSponsor(batch *Batch, nctID string, sp *Sponsor, isLead bool) {
	if sp.Name == nil || *sp.Name == "" {
		t.logger.Debug("Skipping sponsor without name", slog.String("nct_id", nctID))

		return
	}

	// Natural-key columns are NOT NULL in the schema; absent values
	// collapse to empty string so the merge conflict target can match.
	agencyClass := strOrEmpty(sp.AgencyClass)

	batch.append(TableSponsors,
		[]string{nctID, *sp.Name, agencyClass},
		[]any{nctID, *sp.Name, agencyClass, isLead})
}

func (t *Transformer) transformConditions(batch *Batch, nctID string, s *Study) {
	module := s.ProtocolSection.Conditions
	if module == nil {
		return
	}

	for _, name := range module.Conditions {
		if name == "" {
			continue
		}

		batch.append(TableConditions, []string{nctID, name}, []any{nctID, name})
	}
}

func (t *Transformer) transformInterventions(batch *Batch, nctID string, s *Study) {
	module := s.ProtocolSection.ArmsInterventions
	if module == nil {
		return
	}

	for i := range module.Interventions {
		iv := &module.Interventions[i]
		if iv.Name == nil || *iv.Name == "" {
			t.logger.Debug("Skipping intervention without name", slog.String("nct_id", nctID))

			continue
		}

		interventionType := strOrEmpty(iv.Type)

		batch.append(TableInterventions,
			[]string{nctID, interventionType, *iv.Name},
			[]any{nctID, interventionType, *iv.Name, iv.Description})
	}
}

func (t *Transformer) transformArmGroups(batch *Batch, nctID string, s *Study) {
	module := s.ProtocolSection.ArmsInterventions
	if module == nil {
		return
	}

	for i := range module.Interventions {
		iv := &module.Interventions[i]
		if iv.Name == nil || *iv.Name == "" {
			continue
		}

		for _, label := range iv.ArmGroupLabels {
			if label == "" {
				continue
			}

			batch.append(TableInterventionArmGroups,
				[]string{nctID, *iv.Name, label},
				[]any{nctID, *iv.Name, label})
		}
	}
}

func (t *Transformer) transformOutcomes(batch *Batch, nctID string, s *Study) {
	module := s.ProtocolSection.Outcomes
	if module == nil {
		return
	}

	t.appendOutcomes(batch, nctID, OutcomeTypePrimary, module.PrimaryOutcomes)
	t.appendOutcomes(batch, nctID, OutcomeTypeSecondary, module.SecondaryOutcomes)
	t.appendOutcomes(batch, nctID, OutcomeTypeOther, module.OtherOutcomes)
}

func (t *Transformer) appendOutcomes(batch *Batch, nctID, outcomeType string, outcomes []Outcome) {
	for i := range outcomes {
		o := &outcomes[i]
		if o.Measure == nil || *o.Measure == "" {
			t.logger.Debug("Skipping outcome without measure",
				slog.String("nct_id", nctID),
				slog.String("outcome_type", outcomeType))

			continue
		}

		batch.append(TableDesignOutcomes,
			[]string{nctID, outcomeType, *o.Measure},
			[]any{nctID, outcomeType, o.Measure, o.TimeFrame, o.Description})
	}
}

// parseDate parses a possibly partial date string, logging when the string
// is present but unparseable (the original string still reaches the
// warehouse via its *_str column).
func (t *Transformer) parseDate(nctID string, dateStr *string) *time.Time {
	if dateStr == nil || *dateStr == "" {
		return nil
	}

	parsed := ParseDate(*dateStr)
	if parsed == nil {
		t.logger.Warn("Unparseable date string",
			slog.String("nct_id", nctID),
			slog.String("date_string", *dateStr))
	}

	return parsed
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
