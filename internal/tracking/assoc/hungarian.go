package assoc

import "math"

// Forbidden marks a cost matrix entry the solver must never return. Rows
// whose only options are forbidden come back unassigned.
const Forbidden = 1e9

// HungarianAssign solves the rectangular minimum-cost assignment problem
// for an n×m cost matrix using Kuhn–Munkres with potentials
// (Jonker-Volgenant variant). It returns assignments[i] = column assigned to
// row i, or -1 if row i is unassigned.
//
// The matrix is padded to square with a constant cost, which does not change
// which real pairs are optimal. When n > m the transposed problem is solved
// so that rows are always the shorter side; rows are then placed in index
// order and an earlier row keeps its column on equal total cost, so ties go
// to the lower index.
func HungarianAssign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	result := make([]int, n)
	for i := range result {
		result[i] = -1
	}
	if m == 0 {
		return result
	}

	if n > m {
		t := make([][]float64, m)
		for j := range t {
			t[j] = make([]float64, n)
			for i := 0; i < n; i++ {
				t[j][i] = cost[i][j]
			}
		}
		for j, i := range solveSquare(t, m, n) {
			if i >= 0 && cost[i][j] < Forbidden {
				result[i] = j
			}
		}
		return result
	}

	for i, j := range solveSquare(cost, n, m) {
		if j >= 0 && cost[i][j] < Forbidden {
			result[i] = j
		}
	}
	return result
}

// solveSquare pads the n×m matrix (n ≤ m) to m×m and returns the column of
// each of the first n rows.
func solveSquare(cost [][]float64, n, m int) []int {
	dim := m
	c := make([][]float64, dim)
	for i := 0; i < dim; i++ {
		c[i] = make([]float64, dim)
		if i < n {
			copy(c[i], cost[i][:m])
		}
	}

	// Uses 1-indexed arrays internally for cleaner index arithmetic.
	const inf = math.MaxFloat64 / 2

	u := make([]float64, dim+1) // Row potentials
	v := make([]float64, dim+1) // Column potentials
	p := make([]int, dim+1)     // p[j] = row assigned to column j
	way := make([]int, dim+1)   // way[j] = previous column in augmenting path
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0 // Virtual column

		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}

			if j1 < 0 {
				break
			}

			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		// Augment along the path.
		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	rowAssign := make([]int, n)
	for i := range rowAssign {
		rowAssign[i] = -1
	}
	for j := 1; j <= dim; j++ {
		if r := p[j]; r > 0 && r <= n {
			rowAssign[r-1] = j - 1
		}
	}
	return rowAssign
}
