package ml

import (
	"fmt"
	"math"
	"math/rand"
)

// IsolationNode is a node in an isolation tree. Fields are exported for gob
// snapshot serialization.
type IsolationNode struct {
	Left    *IsolationNode
	Right   *IsolationNode
	Feature string  // feature name used for the split
	Value   float64 // split value
	Size    int     // samples in this subtree
	IsLeaf  bool
}

// IsolationForestConfig holds the forest build parameters.
type IsolationForestConfig struct {
	NumTrees      int // default 100
	SubsampleSize int // default 256
}

// IsolationForest scores feature vectors by how quickly random axis-aligned
// splits isolate them. The forest is immutable after Fit: build a new one and
// swap it to retrain. Scoring is therefore lock-free and safe for concurrent
// readers.
type IsolationForest struct {
	Trees         []*IsolationNode
	FeatureList   []string
	SubsampleSize int
	MaxDepth      int
}

// NewIsolationForest builds a forest from the training samples. Tree depth is
// capped at ceil(log2(subsample size)); deeper isolation adds no score
// resolution because scores saturate near the average path length.
func NewIsolationForest(cfg IsolationForestConfig, features []string, samples []*FeatureVector) (*IsolationForest, error) {
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 100
	}
	if cfg.SubsampleSize <= 1 {
		cfg.SubsampleSize = 256
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("feature list cannot be empty")
	}
	if len(samples) < 2 {
		return nil, fmt.Errorf("need at least 2 samples, got %d", len(samples))
	}

	psi := cfg.SubsampleSize
	if psi > len(samples) {
		psi = len(samples)
	}

	f := &IsolationForest{
		Trees:         make([]*IsolationNode, 0, cfg.NumTrees),
		FeatureList:   features,
		SubsampleSize: psi,
		MaxDepth:      int(math.Ceil(math.Log2(float64(psi)))),
	}

	for i := 0; i < cfg.NumTrees; i++ {
		sub := subsample(samples, psi)
		f.Trees = append(f.Trees, f.buildTree(sub, 0))
	}
	return f, nil
}

// Score returns the anomaly score for a feature vector in [0, 1]. Scores near
// 1 indicate short average isolation paths, i.e. outliers.
func (f *IsolationForest) Score(fv *FeatureVector) float64 {
	if len(f.Trees) == 0 {
		return 0
	}

	total := 0.0
	for _, root := range f.Trees {
		total += f.pathLength(root, fv, 0)
	}
	avgPath := total / float64(len(f.Trees))

	c := averagePathLength(f.SubsampleSize)
	if c <= 0 {
		return 0.5
	}
	score := math.Pow(2, -avgPath/c)
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	return score
}

// subsample selects size distinct samples via a partial Fisher-Yates shuffle.
// Drawing without replacement keeps each tree's path-length diversity intact.
func subsample(data []*FeatureVector, size int) []*FeatureVector {
	if len(data) <= size {
		return data
	}
	pool := make([]*FeatureVector, len(data))
	copy(pool, data)
	for i := 0; i < size; i++ {
		j := i + rand.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:size]
}

// buildTree recursively partitions the samples with random splits.
func (f *IsolationForest) buildTree(data []*FeatureVector, depth int) *IsolationNode {
	if len(data) <= 1 || depth >= f.MaxDepth {
		return &IsolationNode{Size: len(data), IsLeaf: true}
	}

	feature := f.FeatureList[rand.Intn(len(f.FeatureList))]
	minVal, maxVal := findMinMax(data, feature)
	if minVal == maxVal {
		return &IsolationNode{Size: len(data), IsLeaf: true}
	}

	splitValue := minVal + rand.Float64()*(maxVal-minVal)
	left, right := splitData(data, feature, splitValue)

	return &IsolationNode{
		Left:    f.buildTree(left, depth+1),
		Right:   f.buildTree(right, depth+1),
		Feature: feature,
		Value:   splitValue,
		Size:    len(data),
	}
}

func findMinMax(data []*FeatureVector, feature string) (float64, float64) {
	minVal := math.MaxFloat64
	maxVal := -math.MaxFloat64
	for _, fv := range data {
		v := fv.Features[feature]
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	if minVal == math.MaxFloat64 {
		return 0, 0
	}
	return minVal, maxVal
}

func splitData(data []*FeatureVector, feature string, splitValue float64) ([]*FeatureVector, []*FeatureVector) {
	left := make([]*FeatureVector, 0, len(data)/2)
	right := make([]*FeatureVector, 0, len(data)/2)
	for _, fv := range data {
		if fv.Features[feature] <= splitValue {
			left = append(left, fv)
		} else {
			right = append(right, fv)
		}
	}
	return left, right
}

// pathLength walks one tree for a vector. Leaves holding more than one sample
// get the average-path adjustment for the unsplit remainder.
func (f *IsolationForest) pathLength(node *IsolationNode, fv *FeatureVector, depth float64) float64 {
	if node == nil {
		return depth
	}
	if node.IsLeaf {
		if node.Size > 1 {
			return depth + averagePathLength(node.Size)
		}
		return depth
	}
	if fv.Features[node.Feature] <= node.Value {
		return f.pathLength(node.Left, fv, depth+1)
	}
	return f.pathLength(node.Right, fv, depth+1)
}

// averagePathLength is the expected path length of an unsuccessful BST search
// over n items: 2H(n-1) - 2(n-1)/n.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	harmonic := 0.0
	for i := 1; i <= n-1; i++ {
		harmonic += 1.0 / float64(i)
	}
	return 2*harmonic - 2*float64(n-1)/float64(n)
}
