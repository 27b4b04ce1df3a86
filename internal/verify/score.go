// Package verify computes trust scores for field-agent evidence submissions.
package verify

import (
	"voice-intent-pipeline/internal/config"
)

// Submission is the evidence bundle attached to one field report.
type Submission struct {
	PhotoCount       int  `json:"photo_count"`
	HasGPS           bool `json:"has_gps"`
	DescriptionChars int  `json:"description_length"`
	BeneficiaryCount int  `json:"beneficiary_count"`
	HasTestimonial   bool `json:"has_testimonial"`
}

// Scorecard is the derived score. Computed once per submission; callers may
// re-run Score freely for previews since it has no side effects.
type Scorecard struct {
	Value        int  `json:"value"`
	AutoApproved bool `json:"auto_approved"`
}

// Score sums the weighted evidence signals, clamps to [0,100], and compares
// against the auto-approval threshold. Deterministic for a given weight set.
func Score(sub Submission, w config.ScoreWeights) Scorecard {
	total := 0

	photos := sub.PhotoCount * w.PhotoPoints
	if photos > w.PhotoCap {
		photos = w.PhotoCap
	}
	if photos > 0 {
		total += photos
	}

	if sub.HasGPS {
		total += w.GPSPoints
	}

	total += tierPoints(sub.DescriptionChars, w.DescTierChars, w.DescTierPoints)
	total += tierPoints(sub.BeneficiaryCount, w.BeneficiaryTiers, w.BeneficiaryPoints)

	if sub.HasTestimonial {
		total += w.TestimonialPoints
	}

	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}

	return Scorecard{
		Value:        total,
		AutoApproved: total >= w.AutoApproveThreshold,
	}
}

// tierPoints awards the points of the highest tier whose threshold is met.
func tierPoints(value int, tiers, points []int) int {
	n := len(tiers)
	if len(points) < n {
		n = len(points)
	}
	awarded := 0
	for i := 0; i < n; i++ {
		if value >= tiers[i] {
			awarded = points[i]
		}
	}
	return awarded
}
