package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceNumber(t *testing.T) {
	tests := []struct {
		id   string
		want uint64
		ok   bool
	}{
		{"TRX-01-0000000042", 42, true},
		{"TRX-01-18446744073709551615", 18446744073709551615, true},
		{"TRX-01-18446744073709551616", 0, false},
		{"TRX-01-340282366920938463463374607431768211455", 0, false},
		{"TRX-01-+5", 0, false},
		{"TRX-01-", 0, false},
		{"TRX-02-7", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, ok := SequenceNumber(tt.id)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
