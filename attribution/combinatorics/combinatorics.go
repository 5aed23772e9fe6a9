// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package combinatorics contains the exact integer math behind randomized response over
// event-level outputs: counting stars-and-bars sequences, decoding a sequence index, and the flip
// rate and channel capacity of the resulting randomized-response channel.
package combinatorics

import (
	"errors"
	"fmt"
	"math"

	"lukechampine.com/uint128"
)

// MaxNumStates is the largest output-state count accepted, matching the largest valid attribution
// configuration.
const MaxNumStates int64 = 4191844505805495

// ErrTooManyStates is returned when a configuration has more than MaxNumStates output states.
var ErrTooManyStates = errors.New("number of output states exceeds the maximum")

// BinomialCoefficient returns C(n, k) exactly, or an error if it does not fit in an int64. It is 0
// when k > n.
func BinomialCoefficient(n, k int) (int64, error) {
	if n < 0 || k < 0 {
		return 0, fmt.Errorf("binomial coefficient arguments must be non-negative, got n=%d k=%d", n, k)
	}
	if k > n {
		return 0, nil
	}
	if k > n-k {
		k = n - k
	}
	// C(n-k+i, i) grows with i, so checking every step catches overflow before Mul64 could.
	result := uint128.From64(1)
	for i := 1; i <= k; i++ {
		result = result.Mul64(uint64(n - k + i)).Div64(uint64(i))
		if result.Hi != 0 || result.Lo > math.MaxInt64 {
			return 0, fmt.Errorf("C(%d, %d) overflows int64", n, k)
		}
	}
	return int64(result.Lo), nil
}

// NumberOfStarsAndBarsSequences returns the number of ways to arrange numStars indistinguishable
// stars and numBars indistinguishable bars, C(numStars+numBars, numStars).
func NumberOfStarsAndBarsSequences(numStars, numBars int) (int64, error) {
	n, err := BinomialCoefficient(numStars+numBars, numStars)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTooManyStates, err)
	}
	if n > MaxNumStates {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooManyStates, n, MaxNumStates)
	}
	return n, nil
}

// GetStarIndices decodes sequenceIndex, in [0, C(numStars+numBars, numStars)), into the positions
// of the stars in the combined sequence using the combinatorial number system. Positions are
// returned in descending order.
func GetStarIndices(numStars, numBars int, sequenceIndex int64) ([]int, error) {
	total, err := NumberOfStarsAndBarsSequences(numStars, numBars)
	if err != nil {
		return nil, err
	}
	if sequenceIndex < 0 || sequenceIndex >= total {
		return nil, fmt.Errorf("sequence index %d out of range [0, %d)", sequenceIndex, total)
	}

	idx := uint128.From64(uint64(sequenceIndex))
	result := make([]int, 0, numStars)
	for i := numStars; i > 0; i-- {
		// Find the largest c with C(c, i) <= idx, walking up from C(i-1, i) = 0.
		c := i - 1
		binom := uint128.Zero
		next := uint128.From64(1) // C(c+1, i)
		for next.Cmp(idx) <= 0 {
			c++
			binom = next
			next = next.Mul64(uint64(c + 1)).Div64(uint64(c + 1 - i))
		}
		result = append(result, c)
		idx = idx.Sub(binom)
	}
	return result, nil
}

// GetBarsPrecedingEachStar returns, for star positions in descending order, how many bars come
// before each star.
func GetBarsPrecedingEachStar(starIndices []int) []int {
	bars := make([]int, len(starIndices))
	for i, s := range starIndices {
		starsPreceding := len(starIndices) - 1 - i
		bars[i] = s - starsPreceding
	}
	return bars
}

// GetRandomizedResponseRate returns the probability of replacing the true output with a uniformly
// random one under epsilon differential privacy over numStates outputs. A single state needs no
// randomization, so its rate is 0.
func GetRandomizedResponseRate(numStates int64, epsilon float64) float64 {
	if numStates <= 1 {
		return 0
	}
	n := float64(numStates)
	return n / (n - 1 + math.Exp(epsilon))
}

func binaryEntropy(p float64) float64 {
	if p == 0 || p == 1 {
		return 0
	}
	return -p*math.Log2(p) - (1-p)*math.Log2(1-p)
}

// ComputeChannelCapacity returns the capacity in bits of a q-ary symmetric channel with numStates
// symbols and the given flip rate.
func ComputeChannelCapacity(numStates int64, rate float64) float64 {
	if numStates <= 1 || rate == 1 {
		return 0
	}
	n := float64(numStates)
	p := rate * (n - 1) / n
	return math.Log2(n) - binaryEntropy(p) - p*math.Log2(n-1)
}
