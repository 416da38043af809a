package workers

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestMissingWallet(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no rows", pgx.ErrNoRows, true},
		{"wrapped no rows", fmt.Errorf("scan wallet: %w", pgx.ErrNoRows), true},
		{"query failure", errors.New("connection reset"), false},
		{"context canceled", errors.New("context canceled"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := missingWallet(tt.err); got != tt.want {
				t.Errorf("missingWallet(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
