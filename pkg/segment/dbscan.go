// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package segment

import "math"

// noise marks points that belong to no cluster.
const noise = -1

// dbscan assigns a cluster label to every point, or noise. Labels are
// dense starting at 0.
func dbscan(points [][]float64, eps float64, minPts int) []int {
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = noise
	}
	visited := make([]bool, len(points))

	cluster := 0
	for i := range points {
		if visited[i] {
			continue
		}
		visited[i] = true

		neighbors := regionQuery(points, i, eps)
		if len(neighbors) < minPts {
			continue
		}

		labels[i] = cluster
		for k := 0; k < len(neighbors); k++ {
			n := neighbors[k]
			if !visited[n] {
				visited[n] = true
				expanded := regionQuery(points, n, eps)
				if len(expanded) >= minPts {
					neighbors = append(neighbors, expanded...)
				}
			}
			if labels[n] == noise {
				labels[n] = cluster
			}
		}
		cluster++
	}
	return labels
}

func regionQuery(points [][]float64, center int, eps float64) []int {
	var neighbors []int
	for i := range points {
		if euclidean(points[center], points[i]) <= eps {
			neighbors = append(neighbors, i)
		}
	}
	return neighbors
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
