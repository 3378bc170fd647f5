package scans

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseMode(t *testing.T) {
	m, ok := ParseMode("passive")
	assert.True(t, ok)
	assert.Equal(t, ModePassive, m)

	m, ok = ParseMode("  Active ")
	assert.True(t, ok)
	assert.Equal(t, ModeActive, m)

	_, ok = ParseMode("aggressive")
	assert.False(t, ok)
	_, ok = ParseMode("")
	assert.False(t, ok)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestScanPluginList(t *testing.T) {
	s := &Scan{Plugins: "sslscan, whois ,,headers"}
	assert.Equal(t, []string{"sslscan", "whois", "headers"}, s.PluginList())

	assert.Nil(t, (&Scan{Plugins: ""}).PluginList())
	assert.Nil(t, (&Scan{Plugins: "   "}).PluginList())
}

func TestScanDuration(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	done := start.Add(90 * time.Second)

	s := &Scan{StartedAt: start, CompletedAt: &done}
	d := s.Duration()
	assert.NotNil(t, d)
	assert.InDelta(t, 90.0, *d, 0.001)

	assert.Nil(t, (&Scan{StartedAt: start}).Duration())
}
