package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	out, err := Render("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	out, err = Render(`Use: {{join ", " .capabilities}}. Mode: {{default "auto" .mode | upper}}`, map[string]any{
		"capabilities": []string{"echo", "planner"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Use: echo, planner. Mode: AUTO", out)

	_, err = Render("{{ .broken", nil)
	assert.Error(t, err)
}
