package study

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	// ErrMissingNCTID indicates the record has no nct_id.
	ErrMissingNCTID = errors.New("protocolSection.identificationModule.nctId is required")

	// ErrWrongKind indicates a field carried the wrong JSON kind (e.g. array where string expected).
	ErrWrongKind = errors.New("field has wrong JSON kind")

	// ErrMalformedJSON indicates the payload is not a well-formed JSON object.
	ErrMalformedJSON = errors.New("malformed JSON payload")

	// ErrDisallowedEnum indicates an enum-bearing field carries a value the API schema disallows.
	ErrDisallowedEnum = errors.New("value not allowed by API schema")
)

// ValidationError is a per-record structural failure. It is routed to the
// dead-letter queue by the orchestrator; it never aborts a run.
type ValidationError struct {
	NCTID string // best-effort, may be empty
	Field string // JSON field path where known
	Err   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed at %s: %v", e.Field, e.Err)
	}

	return fmt.Sprintf("validation failed: %v", e.Err)
}

// Unwrap exposes the underlying sentinel for errors.Is.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validator parses raw study JSON into the typed Study model.
//
// Validation is purely structural and per-record: a record is invalid only
// if nct_id is missing/empty, a scalar carries the wrong JSON kind, or an
// enum-bearing field holds a value the API schema disallows. Unknown JSON
// fields are tolerated for forward compatibility. Cross-record integrity is
// not checked here; the warehouse constraints own that.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// ExtractNCTID pulls the nct_id out of a raw payload without full parsing.
// Best-effort: returns empty string when the path is absent or the payload
// is malformed. Used for dead-letter diagnostics.
func ExtractNCTID(raw json.RawMessage) string {
	var probe struct {
		ProtocolSection struct {
			Identification struct {
				NCTID string `json:"nctId"`
			} `json:"identificationModule"`
		} `json:"protocolSection"`
	}

	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}

	return probe.ProtocolSection.Identification.NCTID
}

// Validate produces a typed Study from a raw payload, or a *ValidationError
// describing why the record is structurally unusable.
func (v *Validator) Validate(raw json.RawMessage) (*Study, error) {
	nctID := ExtractNCTID(raw)

	var s Study

	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(&s); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &ValidationError{
				NCTID: nctID,
				Field: typeErr.Field,
				Err:   fmt.Errorf("%w: got %s, want %s", ErrWrongKind, typeErr.Value, typeErr.Type),
			}
		}

		return nil, &ValidationError{NCTID: nctID, Err: fmt.Errorf("%w: %w", ErrMalformedJSON, err)}
	}

	if s.NCTID() == "" {
		return nil, &ValidationError{NCTID: nctID, Field: "protocolSection.identificationModule.nctId", Err: ErrMissingNCTID}
	}

	status := s.ProtocolSection.Status
	if status.OverallStatus != nil && !validOverallStatuses[*status.OverallStatus] {
		return nil, &ValidationError{
			NCTID: s.NCTID(),
			Field: "protocolSection.statusModule.overallStatus",
			Err:   fmt.Errorf("%w: %q", ErrDisallowedEnum, *status.OverallStatus),
		}
	}

	if design := s.ProtocolSection.Design; design != nil && design.StudyType != nil && !validStudyTypes[*design.StudyType] {
		return nil, &ValidationError{
			NCTID: s.NCTID(),
			Field: "protocolSection.designModule.studyType",
			Err:   fmt.Errorf("%w: %q", ErrDisallowedEnum, *design.StudyType),
		}
	}

	return &s, nil
}
