package nilm

import (
	"math"
	"sort"
)

const maxIterations = 100

// cluster1D partitions values into k groups with Lloyd's algorithm. Seeds are
// evenly spaced quantiles of the distinct values, so the result depends only
// on the input. k must not exceed the number of distinct values. Centroids
// are returned in ascending order with assign[i] indexing into them.
func cluster1D(values []float64, k int) (centroids []float64, assign []int) {
	if len(values) == 0 || k <= 0 {
		return nil, nil
	}
	distinct := distinctSorted(values)
	if k > len(distinct) {
		k = len(distinct)
	}

	centroids = make([]float64, k)
	for j := 0; j < k; j++ {
		idx := int((float64(j) + 0.5) * float64(len(distinct)) / float64(k))
		if idx >= len(distinct) {
			idx = len(distinct) - 1
		}
		centroids[j] = distinct[idx]
	}

	assign = make([]int, len(values))
	for i := range assign {
		assign[i] = -1
	}
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, v := range values {
			c := nearest(centroids, v)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([]float64, k)
		counts := make([]int, k)
		for i, v := range values {
			sums[assign[i]] += v
			counts[assign[i]]++
		}
		for j := range centroids {
			if counts[j] > 0 {
				centroids[j] = sums[j] / float64(counts[j])
			}
		}
	}

	// Remap so centroid indices ascend with value.
	order := make([]int, k)
	for j := range order {
		order[j] = j
	}
	sort.SliceStable(order, func(a, b int) bool { return centroids[order[a]] < centroids[order[b]] })
	remap := make([]int, k)
	sorted := make([]float64, k)
	for newIdx, oldIdx := range order {
		remap[oldIdx] = newIdx
		sorted[newIdx] = centroids[oldIdx]
	}
	for i := range assign {
		assign[i] = remap[assign[i]]
	}
	return sorted, assign
}

// nearest returns the index of the closest centroid; ties go to the lower index.
func nearest(centroids []float64, v float64) int {
	best := 0
	bestDist := math.Inf(1)
	for j, c := range centroids {
		if d := math.Abs(v - c); d < bestDist {
			best = j
			bestDist = d
		}
	}
	return best
}

func distinctSorted(values []float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(values)))
	return mean, std
}
