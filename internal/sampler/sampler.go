// Package sampler implements the temperature -> top-k -> top-p ->
// repetition-penalty -> categorical-draw pipeline of spec §4.J. The final
// uniform draw is produced by gonum's stat/distuv.Uniform so the random
// source is a real, seedable statistical distribution rather than a
// hand-rolled one; distuv.Uniform is seeded from math/rand/v2, the only
// stdlib PRNG bit source gonum's rand.Source interface can be adapted
// from (no ecosystem PRNG in the pack is worth adopting over it — see
// DESIGN.md).
// © 2025 moe-engine authors. MIT License.
package sampler

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// pcgSource adapts a math/rand/v2 generator to the Uint64/Seed Source
// interface gonum's distuv distributions accept.
type pcgSource struct {
	r *rand.Rand
}

func (s pcgSource) Uint64() uint64    { return s.r.Uint64() }
func (s pcgSource) Seed(seed uint64)  {} // the session seed is fixed at construction

// Sampler draws tokens from logits via temperature scaling, top-k and
// top-p filtering, and (outside this package) repetition penalty applied
// to the logits beforehand by the pipeline (spec §4.H step 4).
type Sampler struct {
	uniform distuv.Uniform
}

// New builds a Sampler whose draws are reproducible for a fixed seed
// (spec §4.J: "the RNG is a property of the session").
func New(seed uint64) *Sampler {
	src := pcgSource{r: rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))}
	return &Sampler{uniform: distuv.Uniform{Min: 0, Max: 1, Src: src}}
}

type candidate struct {
	token int
	prob  float64
}

// Sample runs the full pipeline and returns the chosen vocabulary index.
// temperature <= 1e-7 is treated as zero: the sampler short-circuits to
// argmax (spec invariant I9), since dividing logits by a near-zero
// temperature is numerically equivalent to it but unstable.
func (s *Sampler) Sample(logits []float32, temperature float32, topK int, topP float32) int {
	if temperature <= 1e-7 {
		return argmax(logits)
	}

	scaled := make([]float64, len(logits))
	for i, l := range logits {
		scaled[i] = float64(l) / float64(temperature)
	}
	probs := softmax(scaled)

	cands := make([]candidate, len(probs))
	for i, p := range probs {
		cands[i] = candidate{token: i, prob: p}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })

	if topK > 0 && topK < len(cands) {
		cands = cands[:topK]
		renormalize(cands)
	}

	cands = applyTopP(cands, float64(topP))

	u := s.uniform.Rand()
	return draw(cands, u)
}

// SampleWithU exposes the deterministic inverse-CDF draw for a caller-
// supplied u, used by tests asserting the literal scenario in spec §8
// ("top-p ... with u = 0.8, returned token = 1") without depending on the
// session RNG's sequence.
func SampleWithU(logits []float32, temperature float32, topK int, topP float32, u float64) int {
	if temperature <= 1e-7 {
		return argmax(logits)
	}
	scaled := make([]float64, len(logits))
	for i, l := range logits {
		scaled[i] = float64(l) / float64(temperature)
	}
	probs := softmax(scaled)

	cands := make([]candidate, len(probs))
	for i, p := range probs {
		cands[i] = candidate{token: i, prob: p}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })

	if topK > 0 && topK < len(cands) {
		cands = cands[:topK]
		renormalize(cands)
	}
	cands = applyTopP(cands, float64(topP))
	return draw(cands, u)
}

func argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

func softmax(x []float64) []float64 {
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(x))
	var sum float64
	for i, v := range x {
		e := math.Exp(v - max)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func renormalize(cands []candidate) {
	var sum float64
	for _, c := range cands {
		sum += c.prob
	}
	if sum == 0 {
		return
	}
	for i := range cands {
		cands[i].prob /= sum
	}
}

// applyTopP keeps the smallest prefix of cands (already sorted descending
// by probability) whose cumulative mass is >= p, then renormalizes.
func applyTopP(cands []candidate, p float64) []candidate {
	if p <= 0 || p >= 1 {
		renormalize(cands)
		return cands
	}
	var cum float64
	cut := len(cands)
	for i, c := range cands {
		cum += c.prob
		if cum >= p {
			cut = i + 1
			break
		}
	}
	out := cands[:cut]
	renormalize(out)
	return out
}

// draw returns the token at the smallest cumulative-probability bound
// >= u, or the last candidate if rounding leaves u past the final bound
// (spec §4.J step 5).
func draw(cands []candidate, u float64) int {
	var cum float64
	for _, c := range cands {
		cum += c.prob
		if cum >= u {
			return c.token
		}
	}
	return cands[len(cands)-1].token
}

// ApplyRepetitionPenalty divides positive logits by penalty and
// multiplies negative logits by penalty, for every token present in
// previousTokens (spec §4.H step 4, §8 scenario 7).
func ApplyRepetitionPenalty(logits []float32, previousTokens []int, penalty float32) {
	if penalty == 1 || penalty <= 0 {
		return
	}
	seen := make(map[int]bool, len(previousTokens))
	for _, t := range previousTokens {
		seen[t] = true
	}
	for tok := range seen {
		if tok < 0 || tok >= len(logits) {
			continue
		}
		if logits[tok] > 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= penalty
		}
	}
}
