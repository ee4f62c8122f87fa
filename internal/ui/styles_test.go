package ui

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender_PlainWhenNotATerminal(t *testing.T) {
	t.Setenv("CLICOLOR_FORCE", "")
	SetOutput(&bytes.Buffer{})
	t.Cleanup(func() { SetOutput(os.Stdout) })

	assert.False(t, ColorEnabled())
	for _, render := range []func(string) string{RenderPass, RenderWarn, RenderFail, RenderAccent, RenderMuted, RenderBold} {
		assert.Equal(t, "done", render("done"))
	}
}

func TestRender_ForcedColor(t *testing.T) {
	t.Setenv("CLICOLOR_FORCE", "1")
	t.Setenv("NO_COLOR", "")
	SetOutput(&bytes.Buffer{})
	t.Cleanup(func() { SetOutput(os.Stdout) })

	assert.True(t, ColorEnabled())
	out := RenderPass("done")
	assert.Contains(t, out, "done")
	assert.NotEqual(t, "done", out)
}
