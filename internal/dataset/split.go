package dataset

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrLeakage indicates overlapping time ranges between adjacent partitions
// after a chronological split. It points at a timestamp parsing or sort
// stability bug upstream and is fatal, never retried.
var ErrLeakage = errors.New("chronological leakage between partitions")

// Split partitions the records into three contiguous, non-overlapping time
// windows: train, validation and test. Records are stable-sorted ascending by
// timestamp (ties keep their original relative order), then cut at
// floor(n*trainRatio) and floor(n*(trainRatio+valRatio)).
//
// Fewer than three records degrades to empty partitions rather than failing.
// The chronological post-condition between non-empty adjacent partitions is
// asserted; a violation returns ErrLeakage.
func Split(p *Partition, trainRatio, valRatio float64) (train, val, test *Partition, err error) {
	if trainRatio <= 0 || valRatio <= 0 || trainRatio+valRatio >= 1 {
		return nil, nil, nil, fmt.Errorf("invalid split ratios train=%.2f val=%.2f", trainRatio, valRatio)
	}

	sorted := make([]Record, len(p.Records))
	copy(sorted, p.Records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	n := len(sorted)
	trainEnd := int(math.Floor(float64(n) * trainRatio))
	valEnd := int(math.Floor(float64(n) * (trainRatio + valRatio)))

	train = &Partition{Name: "train", Schema: p.Schema.Clone(), Records: sorted[:trainEnd]}
	val = &Partition{Name: "val", Schema: p.Schema.Clone(), Records: sorted[trainEnd:valEnd]}
	test = &Partition{Name: "test", Schema: p.Schema.Clone(), Records: sorted[valEnd:]}

	if err := checkChronology(train, val); err != nil {
		return nil, nil, nil, err
	}
	if err := checkChronology(val, test); err != nil {
		return nil, nil, nil, err
	}
	return train, val, test, nil
}

// checkChronology asserts max(earlier.ts) < min(later.ts). Empty partitions
// are vacuously ordered.
func checkChronology(earlier, later *Partition) error {
	_, eMax, eOK := earlier.TimeBounds()
	lMin, _, lOK := later.TimeBounds()
	if !eOK || !lOK {
		return nil
	}
	if !eMax.Before(lMin) {
		return fmt.Errorf("%w: max(%s)=%s >= min(%s)=%s",
			ErrLeakage, earlier.Name, eMax.Format("2006-01-02T15:04:05Z07:00"),
			later.Name, lMin.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
