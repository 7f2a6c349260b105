// Package learning trains, calibrates, evaluates and publishes the
// outcome classifiers, and hosts the drift detector and mode bandit that
// sit next to them.
package learning

import (
	"math"
	"sort"
)

// TreeParams controls gradient boosting.
type TreeParams struct {
	Trees          int     `json:"trees" default:"100"`
	MaxDepth       int     `json:"max_depth" default:"3"`
	LearningRate   float64 `json:"learning_rate" default:"0.1"`
	MinLeafSamples int     `json:"min_leaf_samples" default:"5"`
	Lambda         float64 `json:"lambda" default:"1"`
}

// Node is one node of a regression tree. Leaves have Feature == -1.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Value     float64 `json:"value,omitempty"`
}

// Tree is a flattened regression tree; Nodes[0] is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t Tree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		v := 0.0
		if n.Feature < len(x) {
			v = x[n.Feature]
		}
		if v <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Booster is an additive ensemble of trees fitted on log-loss.
type Booster struct {
	Base         float64 `json:"base"`
	LearningRate float64 `json:"learning_rate"`
	Trees        []Tree  `json:"trees"`
}

// Margin returns the raw log-odds for x.
func (b *Booster) Margin(x []float64) float64 {
	out := b.Base
	for _, t := range b.Trees {
		out += b.LearningRate * t.predict(x)
	}
	return out
}

// Probability returns the uncalibrated probability of the positive class.
func (b *Booster) Probability(x []float64) float64 {
	return sigmoid(b.Margin(x))
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// FitBooster fits a gradient-boosted tree ensemble to binary labels using
// second-order log-loss updates. Training is deterministic.
func FitBooster(X [][]float64, y []float64, p TreeParams) *Booster {
	n := len(y)
	b := &Booster{LearningRate: p.LearningRate}
	if n == 0 {
		return b
	}

	pos := 0.0
	for _, v := range y {
		pos += v
	}
	prior := (pos + 0.5) / (float64(n) + 1)
	b.Base = math.Log(prior / (1 - prior))

	margin := make([]float64, n)
	for i := range margin {
		margin[i] = b.Base
	}
	grad := make([]float64, n)
	hess := make([]float64, n)
	rows := make([]int, n)

	for t := 0; t < p.Trees; t++ {
		for i := 0; i < n; i++ {
			pr := sigmoid(margin[i])
			grad[i] = pr - y[i]
			hess[i] = math.Max(pr*(1-pr), 1e-6)
			rows[i] = i
		}
		g := &grower{X: X, grad: grad, hess: hess, params: p}
		g.grow(rows, 0)
		tree := Tree{Nodes: g.nodes}
		for i := 0; i < n; i++ {
			margin[i] += p.LearningRate * tree.predict(X[i])
		}
		b.Trees = append(b.Trees, tree)
	}
	return b
}

type grower struct {
	X          [][]float64
	grad, hess []float64
	params     TreeParams
	nodes      []Node
}

func (g *grower) leafValue(rows []int) float64 {
	var G, H float64
	for _, r := range rows {
		G += g.grad[r]
		H += g.hess[r]
	}
	return -G / (H + g.params.Lambda)
}

// grow appends the subtree for rows and returns its node index.
func (g *grower) grow(rows []int, depth int) int {
	idx := len(g.nodes)
	g.nodes = append(g.nodes, Node{Feature: -1})

	if depth >= g.params.MaxDepth || len(rows) < 2*g.params.MinLeafSamples {
		g.nodes[idx].Value = g.leafValue(rows)
		return idx
	}

	feature, threshold, ok := g.bestSplit(rows)
	if !ok {
		g.nodes[idx].Value = g.leafValue(rows)
		return idx
	}

	var left, right []int
	for _, r := range rows {
		if g.X[r][feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	l := g.grow(left, depth+1)
	rt := g.grow(right, depth+1)
	g.nodes[idx] = Node{Feature: feature, Threshold: threshold, Left: l, Right: rt}
	return idx
}

func (g *grower) bestSplit(rows []int) (int, float64, bool) {
	var G, H float64
	for _, r := range rows {
		G += g.grad[r]
		H += g.hess[r]
	}
	lambda := g.params.Lambda
	parent := G * G / (H + lambda)
	minLeaf := g.params.MinLeafSamples

	bestGain := 1e-9
	bestFeature, bestThreshold := -1, 0.0
	sorted := make([]int, len(rows))
	features := len(g.X[rows[0]])

	for f := 0; f < features; f++ {
		copy(sorted, rows)
		sort.SliceStable(sorted, func(a, b int) bool { return g.X[sorted[a]][f] < g.X[sorted[b]][f] })

		var GL, HL float64
		for i := 0; i < len(sorted)-1; i++ {
			r := sorted[i]
			GL += g.grad[r]
			HL += g.hess[r]
			cur, next := g.X[r][f], g.X[sorted[i+1]][f]
			if cur == next || i+1 < minLeaf || len(sorted)-i-1 < minLeaf {
				continue
			}
			GR, HR := G-GL, H-HL
			gain := GL*GL/(HL+lambda) + GR*GR/(HR+lambda) - parent
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (cur + next) / 2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}
