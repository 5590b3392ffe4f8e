package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

const (
	DefaultTestRatio = 0.2
	DefaultSeed      = 42
)

// StratifiedSplit partitions row indices into train and test sets so each
// label keeps its share in both. The same labels, ratio and seed always
// produce the same split. Both index slices are sorted.
func StratifiedSplit(labels []int, testRatio float64, seed int64) (train, test []int, err error) {
	if len(labels) < 2 {
		return nil, nil, errors.New("need at least two rows to split")
	}
	if testRatio <= 0 || testRatio >= 1 {
		return nil, nil, fmt.Errorf("test ratio %v outside (0, 1)", testRatio)
	}

	byLabel := make(map[int][]int)
	for i, label := range labels {
		byLabel[label] = append(byLabel[label], i)
	}
	classes := make([]int, 0, len(byLabel))
	for label := range byLabel {
		classes = append(classes, label)
	}
	sort.Ints(classes)

	rng := rand.New(rand.NewSource(seed))
	for _, label := range classes {
		idx := byLabel[label]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		n := int(math.Round(float64(len(idx)) * testRatio))
		if n == len(idx) && n > 1 {
			n--
		}
		test = append(test, idx[:n]...)
		train = append(train, idx[n:]...)
	}
	if len(test) == 0 || len(train) == 0 {
		return nil, nil, errors.New("split produced an empty partition")
	}
	sort.Ints(train)
	sort.Ints(test)
	return train, test, nil
}

// Subset returns the records and labels at the given indices.
func Subset(records []CustomerRecord, labels []int, indices []int) ([]CustomerRecord, []int) {
	recs := make([]CustomerRecord, len(indices))
	ys := make([]int, len(indices))
	for i, idx := range indices {
		recs[i] = records[idx]
		ys[i] = labels[idx]
	}
	return recs, ys
}
