package store

import (
	"math"
	"testing"
)

func TestPriceFor(t *testing.T) {
	tests := []struct {
		model      string
		wantInput  float64
		wantOutput float64
	}{
		{"claude-haiku-4-5", 0.80, 4.0},
		{"claude-sonnet-4-5", 3.0, 15.0},
		{"claude-opus-4-1", 15.0, 75.0},
		{"CLAUDE-SONNET-4", 3.0, 15.0},
		{"some-unknown-model", 15.0, 75.0},
		{"", 15.0, 75.0},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			in, out := PriceFor(tt.model)
			if in != tt.wantInput || out != tt.wantOutput {
				t.Errorf("PriceFor(%q) = %v/%v, want %v/%v", tt.model, in, out, tt.wantInput, tt.wantOutput)
			}
		})
	}
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name   string
		input  int64
		output int64
		model  string
		want   float64
	}{
		{"sonnet one million each", 1_000_000, 1_000_000, "claude-sonnet-4", 18.0},
		{"haiku small", 10_000, 2_000, "claude-haiku-4", 0.008 + 0.008},
		{"opus fallback", 1_000_000, 0, "mystery", 15.0},
		{"zero tokens", 0, 0, "claude-sonnet-4", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateCost(tt.input, tt.output, tt.model)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("EstimateCost = %v, want %v", got, tt.want)
			}
		})
	}
}
