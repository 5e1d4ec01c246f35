package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		similarity float64
		detected   bool
		want       Status
	}{
		{name: "perfect match", similarity: 1, detected: true, want: StatusOK},
		{name: "ok boundary", similarity: 0.8, detected: true, want: StatusOK},
		{name: "just below ok", similarity: 0.7999, detected: true, want: StatusUncertain},
		{name: "uncertain boundary", similarity: 0.6, detected: true, want: StatusUncertain},
		{name: "just below uncertain", similarity: 0.5999, detected: true, want: StatusBlocked},
		{name: "zero", similarity: 0, detected: true, want: StatusBlocked},
		{name: "no face high score", similarity: 0.99, detected: false, want: StatusBlocked},
		{name: "no face zero", similarity: 0, detected: false, want: StatusBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.similarity, tt.detected))
		})
	}
}

func TestClassifySweep(t *testing.T) {
	for i := 0; i <= 1000; i++ {
		s := float64(i) / 1000
		got := Classify(s, true)
		switch {
		case s >= OKThreshold:
			assert.Equal(t, StatusOK, got, "similarity %v", s)
		case s >= UncertainThreshold:
			assert.Equal(t, StatusUncertain, got, "similarity %v", s)
		default:
			assert.Equal(t, StatusBlocked, got, "similarity %v", s)
		}
		assert.Equal(t, StatusBlocked, Classify(s, false))
	}
}

func TestStatusAllowed(t *testing.T) {
	assert.True(t, StatusOK.Allowed())
	assert.True(t, StatusUncertain.Allowed())
	assert.False(t, StatusBlocked.Allowed())
	assert.False(t, Status("fallido").Allowed())
}
