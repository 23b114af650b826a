package accounting

import (
	"math"
	"testing"
)

func TestCompactToDifficulty(t *testing.T) {
	// The difficulty-1 target is difficulty 1 by definition.
	if got := CompactToDifficulty(0x1d00ffff); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("CompactToDifficulty(0x1d00ffff) = %v, want 1.0", got)
	}

	// A smaller target means higher difficulty.
	if got := CompactToDifficulty(0x1c00ffff); got <= 1.0 {
		t.Errorf("CompactToDifficulty(0x1c00ffff) = %v, want > 1", got)
	}

	if got := CompactToDifficulty(0); got != 0 {
		t.Errorf("CompactToDifficulty(0) = %v, want 0", got)
	}
}

func TestSharesToSolve(t *testing.T) {
	// Difficulty 1 implies 2^16 shares.
	if got := SharesToSolve(0x1d00ffff); got != 65536 {
		t.Errorf("SharesToSolve(0x1d00ffff) = %d, want 65536", got)
	}

	// 0x1c00ffff is exactly 256x difficulty 1.
	if got := SharesToSolve(0x1c00ffff); got != 65536*256 {
		t.Errorf("SharesToSolve(0x1c00ffff) = %d, want %d", got, 65536*256)
	}
}

func TestWindowBudget(t *testing.T) {
	tests := []struct {
		name       string
		avg        float64
		multiplier int64
		want       int64
	}{
		{"difficulty 1, n 2", 1, 2, 131072},
		{"fractional difficulty", 1.5, 2, 196608},
		{"zero difficulty", 0, 2, 0},
		{"zero multiplier", 100, 0, 0},
		{"negative difficulty", -5, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WindowBudget(tt.avg, tt.multiplier); got != tt.want {
				t.Errorf("WindowBudget(%v, %d) = %d, want %d", tt.avg, tt.multiplier, got, tt.want)
			}
		})
	}
}
