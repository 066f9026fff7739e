package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasSourceMarker(t *testing.T) {
	tests := []struct {
		name     string
		note     string
		sourceID string
		want     bool
	}{
		{"exact note", "SF_OPP:OPP-10", "OPP-10", true},
		{"marker followed by text", "SF_OPP:OPP-10 resent by hand", "OPP-10", true},
		{"marker after text", "resent; SF_OPP:OPP-10", "OPP-10", true},
		{"longer id", "SF_OPP:OPP-100", "OPP-10", false},
		{"longer id with suffix", "SF_OPP:OPP-10_b", "OPP-10", false},
		{"longer id then exact", "SF_OPP:OPP-100 SF_OPP:OPP-10", "OPP-10", true},
		{"prefixed marker", "XSF_OPP:OPP-10", "OPP-10", false},
		{"different record", "SF_OPP:OPP-11", "OPP-10", false},
		{"empty note", "", "OPP-10", false},
		{"empty id", "SF_OPP:", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasSourceMarker(tt.note, tt.sourceID))
		})
	}
}
