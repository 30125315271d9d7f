package dataset

import (
	"math"
	"math/rand/v2"
	"slices"
	"sort"
)

// SplitByFold partitions records into those outside testFold and those
// inside it. Order is preserved and nothing is shuffled. testFold is not
// range-checked: a fold absent from the data yields an empty test side.
func SplitByFold(records []Record, testFold int) (train, test []Record) {
	for _, r := range records {
		if r.Fold == testFold {
			test = append(test, r)
		} else {
			train = append(train, r)
		}
	}
	return train, test
}

// StratifiedSplit holds out roughly fraction of the samples for
// validation while keeping per-class proportions. The total held-out
// count is ceil(fraction*N); each class gets its proportional share, and
// leftover slots go to the classes with the largest remainders. Members
// of a class are chosen by a shuffle seeded with seed, so the split is
// reproducible. Both index slices are returned in ascending order.
func StratifiedSplit(labels []int, fraction float64, seed uint64) (trainIdx, valIdx []int) {
	n := len(labels)
	if n == 0 || fraction <= 0 {
		trainIdx = make([]int, n)
		for i := range trainIdx {
			trainIdx[i] = i
		}
		return trainIdx, nil
	}
	nVal := int(math.Ceil(fraction * float64(n)))
	if nVal >= n {
		nVal = n - 1
	}

	byClass := make(map[int][]int)
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}
	classes := make([]int, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	type share struct {
		class int
		take  int
		rem   float64
	}
	shares := make([]share, len(classes))
	assigned := 0
	for i, c := range classes {
		exact := float64(len(byClass[c])) * float64(nVal) / float64(n)
		take := int(math.Floor(exact))
		shares[i] = share{class: c, take: take, rem: exact - float64(take)}
		assigned += take
	}
	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return shares[order[a]].rem > shares[order[b]].rem })
	for _, i := range order {
		if assigned >= nVal {
			break
		}
		if shares[i].take < len(byClass[shares[i].class]) {
			shares[i].take++
			assigned++
		}
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for _, s := range shares {
		members := slices.Clone(byClass[s.class])
		rng.Shuffle(len(members), func(a, b int) { members[a], members[b] = members[b], members[a] })
		valIdx = append(valIdx, members[:s.take]...)
		trainIdx = append(trainIdx, members[s.take:]...)
	}
	sort.Ints(trainIdx)
	sort.Ints(valIdx)
	return trainIdx, valIdx
}
