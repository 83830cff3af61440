package train

import "sort"

// AUC computes the area under the ROC curve with the rank statistic
// (Mann-Whitney U), averaging ranks over tied scores. Returns 0.5 when
// either class is absent.
func AUC(labels, scores []float64) float64 {
	n := len(labels)
	if n == 0 || n != len(scores) {
		return 0.5
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j < n && scores[idx[j]] == scores[idx[i]] {
			j++
		}
		// 1-based average rank over the tie group [i, j)
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = avg
		}
		i = j
	}

	nPos, nNeg := 0.0, 0.0
	rankSum := 0.0
	for i, y := range labels {
		if y > 0.5 {
			nPos++
			rankSum += ranks[i]
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}
	return (rankSum - nPos*(nPos+1)/2) / (nPos * nNeg)
}

// F1 computes the F1 score of thresholded predictions at 0.5.
func F1(labels, scores []float64) float64 {
	tp, fp, fn := 0.0, 0.0, 0.0
	for i, y := range labels {
		pred := scores[i] >= 0.5
		actual := y > 0.5
		switch {
		case pred && actual:
			tp++
		case pred && !actual:
			fp++
		case !pred && actual:
			fn++
		}
	}
	if 2*tp+fp+fn == 0 {
		return 0
	}
	return 2 * tp / (2*tp + fp + fn)
}
