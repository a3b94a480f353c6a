package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_AccountsForBackend(t *testing.T) {
	tests := []struct {
		name      string
		selectors []string
		backend   string
		accounts  []string
		selected  bool
	}{
		{
			name:     "no selectors selects every backend",
			backend:  "gtalk",
			selected: true,
		},
		{
			name:      "bare backend selector",
			selectors: []string{"gtalk"},
			backend:   "gtalk",
			selected:  true,
		},
		{
			name:      "backend with account",
			selectors: []string{"gtalk:personal"},
			backend:   "gtalk",
			accounts:  []string{"personal"},
			selected:  true,
		},
		{
			name:      "multiple accounts for one backend",
			selectors: []string{"gtalk:personal", "gtalk:work"},
			backend:   "gtalk",
			accounts:  []string{"personal", "work"},
			selected:  true,
		},
		{
			name:      "unselected backend",
			selectors: []string{"telegram"},
			backend:   "gtalk",
			selected:  false,
		},
		{
			name:      "whitespace around selectors",
			selectors: []string{" gtalk:personal "},
			backend:   "gtalk",
			accounts:  []string{"personal"},
			selected:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{SyncAccounts: tt.selectors}
			accounts, selected := cfg.AccountsForBackend(tt.backend)
			assert.Equal(t, tt.selected, selected)
			assert.Equal(t, tt.accounts, accounts)
		})
	}
}
