package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForDistance(t *testing.T) {
	tests := []struct {
		name        string
		km          float64
		wantFee     int64
		wantEarning int64
	}{
		{"short hop hits minimum", 0.5, 400, 280},
		{"exactly at minimum boundary", 1.1111, 400, 280},
		{"five km", 5, 750, 525},
		{"ten km", 10, 1200, 840},
		{"fractional km rounds to cent", 3.33, 600, 420},
		{"zero distance", 0, 400, 280},
		{"negative clamped", -2, 400, 280},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := ForDistance(tt.km)
			assert.Equal(t, tt.wantFee, q.FeeCents)
			assert.Equal(t, tt.wantEarning, q.EarningCents)
		})
	}
}

func TestTotalCents(t *testing.T) {
	q := ForDistance(5)
	assert.Equal(t, q.FeeCents*2, TotalCents(q))
}
