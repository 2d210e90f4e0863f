package study

import (
	"encoding/json"
	"errors"
	"testing"
)

// ==============================================================================
// Unit Tests: Valid Records (Should Pass)
// ==============================================================================

func TestValidate_CompleteStudy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	raw := json.RawMessage(`{
		"protocolSection": {
			"identificationModule": {
				"nctId": "NCT01234567",
				"briefTitle": "A Study of Something",
				"officialTitle": "A Phase 3 Study of Something"
			},
			"statusModule": {
				"overallStatus": "RECRUITING",
				"startDateStruct": {"date": "2024-01-15", "type": "ACTUAL"},
				"lastUpdatePostDateStruct": {"date": "2024-06-01", "type": "ACTUAL"}
			},
			"designModule": {"studyType": "INTERVENTIONAL"},
			"conditionsModule": {"conditions": ["Diabetes Mellitus, Type 2"]}
		},
		"hasResults": false
	}`)

	s, err := validator.Validate(raw)
	if err != nil {
		t.Fatalf("Validate() failed for valid study: %v", err)
	}

	if s.NCTID() != "NCT01234567" {
		t.Errorf("NCTID() = %q, want NCT01234567", s.NCTID())
	}
}

func TestValidate_MinimalStudy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	raw := json.RawMessage(`{"protocolSection":{"identificationModule":{"nctId":"NCT00000001"}}}`)

	if _, err := validator.Validate(raw); err != nil {
		t.Errorf("Validate() failed for minimal study: %v", err)
	}
}

func TestValidate_UnknownFieldsTolerated(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	validator := NewValidator()

	raw := json.RawMessage(`{
		"protocolSection": {
			"identificationModule": {"nctId": "NCT00000001"},
			"someFutureModule": {"anything": [1, 2, 3]}
		},
		"derivedSection": {"miscInfoModule": {"versionHolder": "2024-06-01"}}
	}`)

	if _, err := validator.Validate(raw); err != nil {
		t.Errorf("Validate() failed for study with unknown fields: %v", err)
	}
}

// ==============================================================================
// Unit Tests: Invalid Records (Should Route To Dead-Letter Queue)
// ==============================================================================

func TestValidate_InvalidRecords(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		raw       string
		wantErr   error
		wantNCTID string
	}{
		{
			name:    "missing nct_id",
			raw:     `{"protocolSection":{"identificationModule":{"briefTitle":"No ID"}}}`,
			wantErr: ErrMissingNCTID,
		},
		{
			name:    "empty nct_id",
			raw:     `{"protocolSection":{"identificationModule":{"nctId":""}}}`,
			wantErr: ErrMissingNCTID,
		},
		{
			name:    "nct_id has wrong JSON kind",
			raw:     `{"protocolSection":{"identificationModule":{"nctId":["NCT1"]}}}`,
			wantErr: ErrWrongKind,
		},
		{
			name:      "brief title has wrong JSON kind",
			raw:       `{"protocolSection":{"identificationModule":{"nctId":"NCT00000001","briefTitle":42}}}`,
			wantErr:   ErrWrongKind,
			wantNCTID: "NCT00000001",
		},
		{
			name:    "malformed JSON",
			raw:     `{"protocolSection": {`,
			wantErr: ErrMalformedJSON,
		},
		{
			name:      "disallowed overall status",
			raw:       `{"protocolSection":{"identificationModule":{"nctId":"NCT00000002"},"statusModule":{"overallStatus":"ONGOING"}}}`,
			wantErr:   ErrDisallowedEnum,
			wantNCTID: "NCT00000002",
		},
		{
			name:      "disallowed study type",
			raw:       `{"protocolSection":{"identificationModule":{"nctId":"NCT00000003"},"designModule":{"studyType":"RETROSPECTIVE"}}}`,
			wantErr:   ErrDisallowedEnum,
			wantNCTID: "NCT00000003",
		},
	}

	validator := NewValidator()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.Validate(json.RawMessage(tt.raw))
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}

			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("Validate() error is not *ValidationError: %v", err)
			}

			if vErr.NCTID != tt.wantNCTID {
				t.Errorf("ValidationError.NCTID = %q, want %q", vErr.NCTID, tt.wantNCTID)
			}
		})
	}
}

func TestExtractNCTID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "present",
			raw:  `{"protocolSection":{"identificationModule":{"nctId":"NCT04567890"}}}`,
			want: "NCT04567890",
		},
		{
			name: "absent",
			raw:  `{"protocolSection":{}}`,
			want: "",
		},
		{
			name: "malformed payload",
			raw:  `not json at all`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractNCTID(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("ExtractNCTID() = %q, want %q", got, tt.want)
			}
		})
	}
}
