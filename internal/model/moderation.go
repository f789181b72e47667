package model

import (
	"fmt"
	"slices"
	"strings"
)

// HazardCategory is one entry of the 13-category MLCommons hazard taxonomy
// used by Llama Guard style safety classifiers.
type HazardCategory string

const (
	HazardViolentCrimes         HazardCategory = "S1"
	HazardNonViolentCrimes      HazardCategory = "S2"
	HazardSexCrimes             HazardCategory = "S3"
	HazardChildExploitation     HazardCategory = "S4"
	HazardDefamation            HazardCategory = "S5"
	HazardSpecializedAdvice     HazardCategory = "S6"
	HazardPrivacy               HazardCategory = "S7"
	HazardIntellectualProperty  HazardCategory = "S8"
	HazardIndiscriminateWeapons HazardCategory = "S9"
	HazardHate                  HazardCategory = "S10"
	HazardSuicideSelfHarm       HazardCategory = "S11"
	HazardSexualContent         HazardCategory = "S12"
	HazardElections             HazardCategory = "S13"
)

// HazardTaxonomy lists every category in taxonomy order.
var HazardTaxonomy = []HazardCategory{
	HazardViolentCrimes, HazardNonViolentCrimes, HazardSexCrimes,
	HazardChildExploitation, HazardDefamation, HazardSpecializedAdvice,
	HazardPrivacy, HazardIntellectualProperty, HazardIndiscriminateWeapons,
	HazardHate, HazardSuicideSelfHarm, HazardSexualContent, HazardElections,
}

var hazardNames = map[HazardCategory]string{
	HazardViolentCrimes:         "violent_crimes",
	HazardNonViolentCrimes:      "non_violent_crimes",
	HazardSexCrimes:             "sex_related_crimes",
	HazardChildExploitation:     "child_sexual_exploitation",
	HazardDefamation:            "defamation",
	HazardSpecializedAdvice:     "specialized_advice",
	HazardPrivacy:               "privacy",
	HazardIntellectualProperty:  "intellectual_property",
	HazardIndiscriminateWeapons: "indiscriminate_weapons",
	HazardHate:                  "hate",
	HazardSuicideSelfHarm:       "suicide_self_harm",
	HazardSexualContent:         "sexual_content",
	HazardElections:             "elections",
}

// Name returns the snake_case name of the category.
func (c HazardCategory) Name() string { return hazardNames[c] }

// ParseHazardCategory accepts either a code ("S10", "s10") or a name
// ("hate", "Suicide & Self-Harm").
func ParseHazardCategory(raw string) (HazardCategory, error) {
	s := strings.TrimSpace(raw)
	if c := HazardCategory(strings.ToUpper(s)); hazardNames[c] != "" {
		return c, nil
	}
	slug := strings.ToLower(s)
	slug = strings.NewReplacer("&", " ", "-", " ", "/", " ").Replace(slug)
	slug = strings.Join(strings.Fields(slug), "_")
	for c, name := range hazardNames {
		if name == slug {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown hazard category %q", raw)
}

// TaxonomyPrompt renders categories as the "S1: Violent crimes." list
// moderation models are prompted with. Nil renders the full taxonomy.
func TaxonomyPrompt(cats []HazardCategory) string {
	if cats == nil {
		cats = HazardTaxonomy
	}
	var b strings.Builder
	for _, c := range cats {
		name := strings.ReplaceAll(c.Name(), "_", " ")
		fmt.Fprintf(&b, "%s: %s.\n", c, strings.ToUpper(name[:1])+name[1:])
	}
	return b.String()
}

// ModerationVerdict is the output of a successful moderation stage.
type ModerationVerdict struct {
	Flagged    bool             `json:"flagged"`
	Categories []HazardCategory `json:"categories"`
	ModelID    string           `json:"model_id"`
	LatencyMS  int64            `json:"latency_ms"`
}

// SortCategories returns the deduplicated categories in taxonomy order.
// Always non-nil so the JSON form is [] rather than null.
func SortCategories(in []HazardCategory) []HazardCategory {
	out := make([]HazardCategory, 0, len(in))
	for _, c := range HazardTaxonomy {
		if slices.Contains(in, c) {
			out = append(out, c)
		}
	}
	return out
}
