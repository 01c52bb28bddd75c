package cli

import (
	"encoding/json"
	"testing"

	"github.com/harun/parley/pkg/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMacrosCommand(t *testing.T) {
	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "", "macros")
		require.NoError(t, err)

		assert.Contains(t, out, "core.echo")
		assert.Contains(t, out, "@echo")
		assert.Contains(t, out, "echo (safe)")
		assert.Contains(t, out, "current_time (safe)")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "", "macros", "--json")
		require.NoError(t, err)

		var specs []chat.MacroSpec
		require.NoError(t, json.Unmarshal([]byte(out), &specs))

		names := make([]string, 0, len(specs))
		for _, s := range specs {
			names = append(names, s.Name)
		}
		assert.Subset(t, names, []string{"help", "echo", "time", "add", "approval"})
	})
}
