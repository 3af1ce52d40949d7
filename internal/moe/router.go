// Package moe implements the mixture-of-experts router, execution-plan
// grouping, and weighted combine of spec §4.G. gonum (mat) backs the gate
// projection, grounded on inference-sim's use of gonum for numeric
// simulation; the routing-weight softmax is computed directly in Go.
// © 2025 moe-engine authors. MIT License.
package moe

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/moerun/moe-engine/internal/obs"
	"github.com/moerun/moe-engine/pkg/errs"
)

// Selection is route's output: for each of N tokens, the TopK chosen
// expert indices and their (already-softmaxed) routing weights.
type Selection struct {
	TopK    int
	Experts [][]int
	Weights [][]float32
}

// Router projects hidden states through a learned gate and selects the
// top-k experts per token.
type Router struct {
	gate         *mat.Dense // [numExperts, hiddenSize]
	numExperts   int
	hiddenSize   int
	topK         int
	renormalize  bool
	metrics      *obs.Metrics
}

// Option configures a Router.
type Option func(*Router)

func WithMetrics(m *obs.Metrics) Option { return func(r *Router) { r.metrics = m } }

// WithRenormalize enables Σ weights = 1 renormalization after the top-k
// softmax (spec §4.G step 4, "optionally").
func WithRenormalize(v bool) Option { return func(r *Router) { r.renormalize = v } }

// NewRouter builds a Router from a flattened [numExperts, hiddenSize]
// gate weight matrix.
func NewRouter(gateWeight []float32, numExperts, hiddenSize, topK int, opts ...Option) (*Router, error) {
	if topK <= 0 || topK > numExperts {
		return nil, errs.Newf(errs.ManifestInvalid, "moe: topK %d invalid for %d experts", topK, numExperts)
	}
	if len(gateWeight) != numExperts*hiddenSize {
		return nil, errs.Newf(errs.ManifestInvalid, "moe: gate weight has %d elements, want %d", len(gateWeight), numExperts*hiddenSize)
	}
	data := make([]float64, len(gateWeight))
	for i, v := range gateWeight {
		data[i] = float64(v)
	}
	r := &Router{
		gate:       mat.NewDense(numExperts, hiddenSize, data),
		numExperts: numExperts,
		hiddenSize: hiddenSize,
		topK:       topK,
		metrics:    obs.New(nil),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Route computes the selection for N tokens of hidden states [N,
// hiddenSize], incrementing per-expert utilization counters for layer.
func (r *Router) Route(layer int, hidden []float32, n int) (Selection, error) {
	if len(hidden) != n*r.hiddenSize {
		return Selection{}, errs.Newf(errs.ManifestInvalid, "moe: hidden has %d elements, want %d", len(hidden), n*r.hiddenSize)
	}
	hData := make([]float64, len(hidden))
	for i, v := range hidden {
		hData[i] = float64(v)
	}
	hD := mat.NewDense(n, r.hiddenSize, hData)

	var logits mat.Dense
	logits.Mul(hD, r.gate.T()) // [N, numExperts]

	sel := Selection{
		TopK:    r.topK,
		Experts: make([][]int, n),
		Weights: make([][]float32, n),
	}

	type scored struct {
		idx   int
		logit float64
	}

	for t := 0; t < n; t++ {
		row := make([]scored, r.numExperts)
		for e := 0; e < r.numExperts; e++ {
			row[e] = scored{idx: e, logit: logits.At(t, e)}
		}
		sort.Slice(row, func(i, j int) bool { return row[i].logit > row[j].logit })
		top := row[:r.topK]

		maxLogit := top[0].logit
		weights := make([]float32, r.topK)
		var sum float64
		for i, s := range top {
			e := math.Exp(s.logit - maxLogit)
			weights[i] = float32(e)
			sum += e
		}
		if sum == 0 {
			sum = 1
		}
		total := float32(0)
		experts := make([]int, r.topK)
		for i, s := range top {
			w := float32(float64(weights[i]) / sum)
			weights[i] = w
			experts[i] = s.idx
			total += w
			r.metrics.ExpertUtilization.WithLabelValues(strconv.Itoa(layer), strconv.Itoa(s.idx)).Inc()
		}
		if r.renormalize && total > 0 && total != 1 {
			for i := range weights {
				weights[i] /= total
			}
		}
		sel.Experts[t] = experts
		sel.Weights[t] = weights
	}
	return sel, nil
}

// PlanEntry is one token's routing assignment to an expert.
type PlanEntry struct {
	TokenIndex int
	Weight     float32
}

// ExecutionPlan groups, for each expert index, the ordered list of
// (token-index, weight) entries that selected it (spec §4.G).
type ExecutionPlan map[int][]PlanEntry

// Plan builds the execution plan from a Selection.
func Plan(sel Selection) ExecutionPlan {
	plan := make(ExecutionPlan)
	for t, experts := range sel.Experts {
		for k, e := range experts {
			plan[e] = append(plan[e], PlanEntry{TokenIndex: t, Weight: sel.Weights[t][k]})
		}
	}
	return plan
}

// Combine scatters each expert's per-token output into a [N, hiddenSize]
// result, scaled by routing weight. outputs[e][j] must correspond
// positionally to plan[e][j]. Each token accumulates contributions from
// exactly TopK experts (spec §4.G's "weights sum up correctly" note).
func Combine(outputs map[int][][]float32, plan ExecutionPlan, n, hiddenSize int) ([]float32, error) {
	out := make([]float32, n*hiddenSize)
	for e, entries := range plan {
		expertOut, ok := outputs[e]
		if !ok {
			return nil, errs.Newf(errs.KernelUnavailable, "moe: combine missing output for expert %d", e)
		}
		if len(expertOut) != len(entries) {
			return nil, fmt.Errorf("moe: combine expert %d has %d outputs, want %d", e, len(expertOut), len(entries))
		}
		for j, entry := range entries {
			row := expertOut[j]
			if len(row) != hiddenSize {
				return nil, fmt.Errorf("moe: combine expert %d output %d has width %d, want %d", e, j, len(row), hiddenSize)
			}
			base := entry.TokenIndex * hiddenSize
			for c := 0; c < hiddenSize; c++ {
				out[base+c] += row[c] * entry.Weight
			}
		}
	}
	return out, nil
}
