package accounting

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
)

// Compact encoding of the difficulty-1 target (0x00000000ffff0000...).
const diff1Bits = 0x1d00ffff

var diff1Target = blockchain.CompactToBig(diff1Bits)

// CompactToDifficulty converts a compact bits encoding to the conventional
// difficulty ratio against the difficulty-1 target.
func CompactToDifficulty(bits uint32) float64 {
	target := blockchain.CompactToBig(bits)
	if target.Sign() <= 0 {
		return 0
	}
	ratio := new(big.Rat).SetFrac(diff1Target, target)
	diff, _ := ratio.Float64()
	return diff
}

// SharesToSolve returns the expected number of difficulty-1 shares needed to
// solve a block at the given compact difficulty. One unit of difficulty is
// worth 2^16 shares.
func SharesToSolve(bits uint32) int64 {
	return int64(math.Round(CompactToDifficulty(bits) * 65536))
}

// WindowBudget converts an average difficulty and a window multiplier into a
// share budget for the aggregation walk. The float average is truncated to
// an integer budget exactly once, here; everything downstream is integer.
func WindowBudget(avgDifficulty float64, multiplier int64) int64 {
	if avgDifficulty <= 0 || multiplier <= 0 {
		return 0
	}
	return int64(avgDifficulty * 65536 * float64(multiplier))
}
