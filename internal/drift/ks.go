// Package drift compares a fixed reference window against a current window
// and produces distributional drift metrics: per-feature drift scores, a
// dataset-level drift share, a missing-value share and an optional
// prediction-drift score.
package drift

import (
	"math"
	"sort"
)

// ksStatistic computes the two-sample Kolmogorov-Smirnov statistic
// D = max |F1(x) - F2(x)| over the empirical CDFs of the two samples.
func ksStatistic(sample1, sample2 []float64) float64 {
	s1 := make([]float64, len(sample1))
	s2 := make([]float64, len(sample2))
	copy(s1, sample1)
	copy(s2, sample2)
	sort.Float64s(s1)
	sort.Float64s(s2)

	n1, n2 := float64(len(s1)), float64(len(s2))

	i, j := 0, 0
	maxD := 0.0
	for i < len(s1) && j < len(s2) {
		v1, v2 := s1[i], s2[j]
		if v1 <= v2 {
			for i < len(s1) && s1[i] == v1 {
				i++
			}
		}
		if v2 <= v1 {
			for j < len(s2) && s2[j] == v2 {
				j++
			}
		}
		diff := math.Abs(float64(i)/n1 - float64(j)/n2)
		if diff > maxD {
			maxD = diff
		}
	}
	return maxD
}

// ksPValue approximates P(D > d) for the two-sample KS test using the first
// terms of the Kolmogorov distribution series, with the effective sample size
// ne = n1*n2/(n1+n2).
func ksPValue(d float64, n1, n2 int) float64 {
	if d <= 0 {
		return 1.0
	}
	ne := float64(n1) * float64(n2) / float64(n1+n2)
	lambda := math.Sqrt(ne) * d

	sum := 0.0
	for k := 1; k <= 10; k++ {
		term := math.Exp(-2 * float64(k*k) * lambda * lambda)
		if k%2 == 0 {
			term = -term
		}
		sum += term
	}
	p := 2 * sum
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// twoSamplePValue runs the full two-sample test and returns the p-value.
func twoSamplePValue(reference, current []float64) float64 {
	d := ksStatistic(reference, current)
	return ksPValue(d, len(reference), len(current))
}
