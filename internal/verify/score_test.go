package verify

import (
	"testing"

	"voice-intent-pipeline/internal/config"
)

func testWeights() config.ScoreWeights {
	return config.ScoreWeights{
		PhotoPoints:          10,
		PhotoCap:             30,
		GPSPoints:            15,
		DescTierChars:        []int{50, 150, 300},
		DescTierPoints:       []int{5, 10, 20},
		BeneficiaryTiers:     []int{1, 10, 50},
		BeneficiaryPoints:    []int{5, 10, 15},
		TestimonialPoints:    20,
		AutoApproveThreshold: 80,
	}
}

func TestScoreBelowThresholdNotApproved(t *testing.T) {
	// 3 photos (30) + GPS (15) + 120-char description (5) = 50.
	sub := Submission{
		PhotoCount:       3,
		HasGPS:           true,
		DescriptionChars: 120,
	}
	sc := Score(sub, testWeights())
	if sc.Value != 50 {
		t.Fatalf("expected score 50, got %d", sc.Value)
	}
	if sc.AutoApproved {
		t.Fatalf("score %d below threshold must not auto-approve", sc.Value)
	}
}

func TestScoreAtThresholdApproved(t *testing.T) {
	// 3 photos (30) + GPS (15) + 300-char description (20) + testimonial (20)
	// + 1 beneficiary (5) = 90.
	sub := Submission{
		PhotoCount:       3,
		HasGPS:           true,
		DescriptionChars: 300,
		BeneficiaryCount: 1,
		HasTestimonial:   true,
	}
	sc := Score(sub, testWeights())
	if sc.Value != 90 {
		t.Fatalf("expected score 90, got %d", sc.Value)
	}
	if !sc.AutoApproved {
		t.Fatalf("score %d at/above threshold must auto-approve", sc.Value)
	}
}

func TestScorePhotoCap(t *testing.T) {
	few := Score(Submission{PhotoCount: 3}, testWeights())
	many := Score(Submission{PhotoCount: 100}, testWeights())
	if few.Value != many.Value {
		t.Fatalf("photo points must cap: 3 photos=%d, 100 photos=%d", few.Value, many.Value)
	}
}

func TestScoreBoundsAndDeterminism(t *testing.T) {
	w := testWeights()
	subs := []Submission{
		{},
		{PhotoCount: -5, DescriptionChars: -1, BeneficiaryCount: -3},
		{PhotoCount: 1000, HasGPS: true, DescriptionChars: 100000, BeneficiaryCount: 100000, HasTestimonial: true},
		{PhotoCount: 2, HasGPS: true, DescriptionChars: 200, BeneficiaryCount: 12},
	}
	for _, sub := range subs {
		first := Score(sub, w)
		if first.Value < 0 || first.Value > 100 {
			t.Fatalf("score out of bounds for %+v: %d", sub, first.Value)
		}
		for i := 0; i < 5; i++ {
			if again := Score(sub, w); again != first {
				t.Fatalf("score not deterministic for %+v: %+v vs %+v", sub, first, again)
			}
		}
		if first.AutoApproved != (first.Value >= w.AutoApproveThreshold) {
			t.Fatalf("auto_approved inconsistent with threshold for %+v", sub)
		}
	}
}

func TestScoreThresholdOverride(t *testing.T) {
	w := testWeights()
	w.AutoApproveThreshold = 40
	sc := Score(Submission{PhotoCount: 3, HasGPS: true}, w)
	if sc.Value != 45 || !sc.AutoApproved {
		t.Fatalf("expected 45 auto-approved with threshold 40, got %+v", sc)
	}
}
