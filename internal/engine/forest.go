package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"Driftline/internal/domain/models"
	"Driftline/pkg/logger"
)

// Forest parameter defaults. maxDepth defaults to ceil(log2(n)) of the
// training set when not supplied.
const (
	defaultNumTrees   = 100
	defaultSampleSize = 256
)

// eulerMascheroni appears in the expected path length of an unsuccessful
// BST search, the normalization constant of isolation forests.
const eulerMascheroni = 0.5772156649

// treeNode is one node of an isolation tree. Leaves have nil children.
// size is the number of training points that reached the node; leaves
// keep it for the path-length adjustment, internal nodes for routing
// points that lack the split feature.
type treeNode struct {
	feature   string
	threshold float64
	left      *treeNode
	right     *treeNode
	depth     int
	size      int
}

func (n *treeNode) leaf() bool { return n.left == nil && n.right == nil }

// forest is the trained state of an isolation-forest model.
type forest struct {
	trees      []*treeNode
	features   []string
	sampleSize int
	trainedOn  int
}

// ForestDetector hosts isolation forests keyed by model id. The RNG
// used for sampling and splits is seeded per train call, from the
// model's "seed" parameter when present, so tests are reproducible.
type ForestDetector struct {
	mu      sync.RWMutex
	forests map[string]*forest
	log     *logger.Logger
}

func NewForestDetector(log *logger.Logger) *ForestDetector {
	return &ForestDetector{
		forests: make(map[string]*forest),
		log:     log,
	}
}

// Train builds a new forest and swaps it in on success. Cancellation is
// honored between trees.
func (d *ForestDetector) Train(ctx context.Context, model *models.AnomalyDetectionModel, points []models.DataPoint) error {
	if len(points) == 0 {
		return fmt.Errorf("no training points for model %s", model.ID)
	}
	features := model.TrainingData.Features
	if len(features) == 0 {
		return fmt.Errorf("model %s declares no features", model.ID)
	}

	numTrees := paramInt(model.Parameters, "numTrees", defaultNumTrees)
	sampleSize := paramInt(model.Parameters, "sampleSize", defaultSampleSize)
	if sampleSize > len(points) {
		sampleSize = len(points)
	}
	maxDepth := paramInt(model.Parameters, "maxDepth", defaultMaxDepth(len(points)))

	rng := rand.New(rand.NewSource(forestSeed(model.Parameters)))

	f := &forest{
		trees:      make([]*treeNode, 0, numTrees),
		features:   append([]string(nil), features...),
		sampleSize: sampleSize,
		trainedOn:  len(points),
	}
	for i := 0; i < numTrees; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		sample := samplePoints(rng, points, sampleSize)
		f.trees = append(f.trees, buildTree(rng, sample, features, 0, maxDepth))
	}

	d.mu.Lock()
	d.forests[model.ID] = f
	d.mu.Unlock()

	if d.log != nil {
		d.log.Info("isolation forest trained",
			logger.String("model_id", model.ID),
			logger.Int("trees", len(f.trees)),
			logger.Int("sample_size", sampleSize),
			logger.Int("samples", len(points)),
		)
	}
	return nil
}

// Detect computes the average isolation path length of the point over
// all trees and converts it to the standard anomaly score
// 2^(-avgPath/c(sampleSize)).
func (d *ForestDetector) Detect(ctx context.Context, model *models.AnomalyDetectionModel, point models.DataPoint) (*models.AnomalyDetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	f, ok := d.forests[model.ID]
	d.mu.RUnlock()
	if !ok {
		return nil, errModelNotTrained(model.ID)
	}

	var total float64
	for _, tree := range f.trees {
		total += pathLength(tree, point.Features)
	}
	avg := total / float64(len(f.trees))

	var score float64
	if cn := avgPathLength(f.sampleSize); cn > 0 {
		score = math.Exp2(-avg / cn)
	}

	explanation := fmt.Sprintf("average isolation path %.2f over %d trees", avg, len(f.trees))
	return &models.AnomalyDetectionResult{
		ID:           newResultID(model.ID),
		Timestamp:    point.Timestamp,
		AnomalyScore: score,
		IsAnomaly:    score > model.Threshold,
		Features:     point.Features,
		Explanation:  explanation,
		Confidence:   math.Min(score*2, 1),
	}, nil
}

func (d *ForestDetector) Trained(modelID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.forests[modelID]
	return ok
}

func (d *ForestDetector) SampleCount(modelID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if f, ok := d.forests[modelID]; ok {
		return f.trainedOn
	}
	return 0
}

func (d *ForestDetector) Drop(modelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.forests, modelID)
}

// samplePoints draws size points uniformly without replacement.
func samplePoints(rng *rand.Rand, points []models.DataPoint, size int) []models.DataPoint {
	if size >= len(points) {
		return points
	}
	sample := make([]models.DataPoint, 0, size)
	for _, idx := range rng.Perm(len(points))[:size] {
		sample = append(sample, points[idx])
	}
	return sample
}

// buildTree recursively partitions points by a random feature and a
// uniform random threshold within the feature's observed range. A leaf
// is produced at depth limit, at <=1 point, or when the chosen feature
// cannot split (absent from every point, or constant).
func buildTree(rng *rand.Rand, points []models.DataPoint, features []string, depth, maxDepth int) *treeNode {
	node := &treeNode{depth: depth, size: len(points)}
	if depth >= maxDepth || len(points) <= 1 {
		return node
	}

	feature := features[rng.Intn(len(features))]
	minV, maxV, seen := featureRange(points, feature)
	if !seen || minV == maxV {
		return node
	}
	threshold := minV + rng.Float64()*(maxV-minV)

	var left, right []models.DataPoint
	for _, p := range points {
		if v, ok := p.Features[feature]; ok && v < threshold {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return node
	}

	node.feature = feature
	node.threshold = threshold
	node.left = buildTree(rng, left, features, depth+1, maxDepth)
	node.right = buildTree(rng, right, features, depth+1, maxDepth)
	return node
}

func featureRange(points []models.DataPoint, feature string) (minV, maxV float64, seen bool) {
	for _, p := range points {
		v, ok := p.Features[feature]
		if !ok {
			continue
		}
		if !seen {
			minV, maxV, seen = v, v, true
			continue
		}
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return minV, maxV, seen
}

// pathLength walks the point down one tree. A point missing the split
// feature is routed toward the larger child, the side an average
// training point most likely took.
func pathLength(node *treeNode, features map[string]float64) float64 {
	if node.leaf() {
		return float64(node.depth) + avgPathLength(node.size)
	}
	v, ok := features[node.feature]
	if !ok {
		if node.left.size >= node.right.size {
			return pathLength(node.left, features)
		}
		return pathLength(node.right, features)
	}
	if v < node.threshold {
		return pathLength(node.left, features)
	}
	return pathLength(node.right, features)
}

// avgPathLength is c(n), the expected path length of an unsuccessful
// search in a BST of n nodes.
// defaultMaxDepth is ceil(log2(n)), the expected height of a balanced
// partition over n points, floored at 1.
func defaultMaxDepth(n int) int {
	d := int(math.Ceil(math.Log2(float64(n))))
	if d < 1 {
		return 1
	}
	return d
}

func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerMascheroni) - 2*(fn-1)/fn
}

// forestSeed derives the RNG seed from the "seed" parameter when the
// model carries one, and from the clock otherwise.
func forestSeed(params map[string]any) int64 {
	if v, ok := params["seed"]; ok {
		switch s := v.(type) {
		case int:
			return int64(s)
		case int64:
			return s
		case float64:
			return int64(s)
		}
	}
	return time.Now().UnixNano()
}

// paramInt reads an integer model parameter, tolerating the float64
// that JSON decoding produces.
func paramInt(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		if n > 0 {
			return n
		}
	case int64:
		if n > 0 {
			return int(n)
		}
	case float64:
		if n > 0 {
			return int(n)
		}
	}
	return def
}
