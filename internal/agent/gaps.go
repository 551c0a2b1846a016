// Package agent implements the reflective meta-loops that run over the
// stored graph: duplicate cleanup, breadth-first exploration planning,
// and cross-entity relation investigation.
package agent

import (
	"fmt"
	"strings"

	"webintel/internal/entity"
	"webintel/internal/types"
)

// expectedFields lists what a complete record of each kind should know.
var expectedFields = map[string][]string{
	"org":      {"industry", "founded", "website", "headquarters", "key_people", "products", "employees"},
	"company":  {"industry", "founded", "website", "headquarters", "key_people", "products", "employees"},
	"person":   {"role", "bio", "affiliation"},
	"ceo":      {"role", "bio", "affiliation", "tenure_start"},
	"founder":  {"role", "bio", "affiliation"},
	"product":  {"description", "vendor", "launched"},
	"location": {"country", "region"},
	"event":    {"date", "participants"},
}

// genericExpected is the fallback for kinds without a catalogue entry.
var genericExpected = []string{"description", "website"}

// MissingField is one knowledge gap with suggested search queries.
type MissingField struct {
	Field   string   `json:"field"`
	Queries []string `json:"queries"`
}

// GapReport is the completeness assessment of one entity.
type GapReport struct {
	EntityID     string         `json:"entity_id"`
	EntityName   string         `json:"entity_name"`
	Kind         string         `json:"kind"`
	Completeness float64        `json:"completeness"`
	Missing      []MissingField `json:"missing,omitempty"`
}

// AnalyzeGaps compares an entity's data against the expected-field
// catalogue for its kind and suggests search queries per missing field.
func AnalyzeGaps(e *types.Entity) GapReport {
	kind := entity.NormalizeKind(e.Kind)
	expected, ok := expectedFields[kind]
	if !ok {
		expected = genericExpected
	}

	report := GapReport{EntityID: e.ID, EntityName: e.Name, Kind: kind}
	present := 0
	for _, field := range expected {
		if v, ok := e.Data[field]; ok && v != nil && v != "" {
			present++
			continue
		}
		label := strings.ReplaceAll(field, "_", " ")
		report.Missing = append(report.Missing, MissingField{
			Field: field,
			Queries: []string{
				fmt.Sprintf("%s %s", e.Name, label),
				fmt.Sprintf("%q %q %s", e.Name, kind, label),
			},
		})
	}
	report.Completeness = float64(present) / float64(len(expected))
	return report
}
