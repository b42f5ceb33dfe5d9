package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidPayload is wrapped by every AssessmentPayload validation failure.
var ErrInvalidPayload = errors.New("invalid assessment payload")

// AssessmentPayload is what a caller submits for analysis. Category scores are
// already computed by the scoring layer; the map is instrument -> category -> score.
type AssessmentPayload struct {
	AssessmentName string                        `json:"assessmentName"`
	CategoryScores map[string]map[string]float64 `json:"categoryScores"`
}

// Validate rejects incomplete or malformed payloads before any network call.
func (p AssessmentPayload) Validate() error {
	if strings.TrimSpace(p.AssessmentName) == "" {
		return fmt.Errorf("%w: assessmentName is required", ErrInvalidPayload)
	}
	if len(p.CategoryScores) == 0 {
		return fmt.Errorf("%w: at least one instrument is required", ErrInvalidPayload)
	}
	for instrument, categories := range p.CategoryScores {
		if strings.TrimSpace(instrument) == "" {
			return fmt.Errorf("%w: instrument name is empty", ErrInvalidPayload)
		}
		if len(categories) == 0 {
			return fmt.Errorf("%w: instrument %q has no category scores", ErrInvalidPayload, instrument)
		}
		for category, score := range categories {
			if strings.TrimSpace(category) == "" {
				return fmt.Errorf("%w: instrument %q has an unnamed category", ErrInvalidPayload, instrument)
			}
			if math.IsNaN(score) || math.IsInf(score, 0) {
				return fmt.Errorf("%w: score for %s/%s is not a finite number", ErrInvalidPayload, instrument, category)
			}
		}
	}
	_, err := p.Normalize()
	return err
}

// Normalize returns a copy with whitespace trimmed and instrument/category
// names lower-cased, so cosmetically different submissions compare equal.
// Two names that normalize to the same key are rejected rather than merged.
func (p AssessmentPayload) Normalize() (AssessmentPayload, error) {
	out := AssessmentPayload{
		AssessmentName: strings.TrimSpace(p.AssessmentName),
		CategoryScores: make(map[string]map[string]float64, len(p.CategoryScores)),
	}
	for instrument, categories := range p.CategoryScores {
		name := normalizeName(instrument)
		if _, dup := out.CategoryScores[name]; dup {
			return AssessmentPayload{}, fmt.Errorf("%w: instrument names collide on %q", ErrInvalidPayload, name)
		}
		dst := make(map[string]float64, len(categories))
		for category, score := range categories {
			c := normalizeName(category)
			if _, dup := dst[c]; dup {
				return AssessmentPayload{}, fmt.Errorf("%w: instrument %q has colliding categories %q", ErrInvalidPayload, instrument, c)
			}
			dst[c] = score
		}
		out.CategoryScores[name] = dst
	}
	return out, nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
