package macro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Parse(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterBatch([]Definition{
		greetDef("social", "1.0.0", "greet", "aliased"),
		greetDef("core", "1.0.0", "", "v1"),
		greetDef("core", "2.0.0", "", "v2"),
	}))

	t.Run("should resolve alias regardless of namespace", func(t *testing.T) {
		call := reg.Parse("@greet")
		require.NotNil(t, call)
		assert.Equal(t, "social", call.Definition.NameSpace)
		assert.Empty(t, call.Args.Positional)
	})

	t.Run("should resolve exact version", func(t *testing.T) {
		call := reg.Parse("@core.greet@1.0.0")
		require.NotNil(t, call)
		assert.Equal(t, "core", call.Definition.NameSpace)
		assert.Equal(t, "1.0.0", call.Definition.Version)
	})

	t.Run("should default to highest version", func(t *testing.T) {
		call := reg.Parse("@core.greet(hi)")
		require.NotNil(t, call)
		assert.Equal(t, "2.0.0", call.Definition.Version)
		assert.Equal(t, []string{"hi"}, call.Args.Positional)
	})

	t.Run("should return nil for unknown macro", func(t *testing.T) {
		assert.Nil(t, reg.Parse("@unknown"))
		assert.Nil(t, reg.Parse("@core.greet@3.0.0"))
	})

	t.Run("should return nil for malformed input", func(t *testing.T) {
		assert.NotPanics(t, func() {
			assert.Nil(t, reg.Parse("@greet(unclosed"))
			assert.Nil(t, reg.Parse("@"))
			assert.Nil(t, reg.Parse("greet"))
			assert.Nil(t, reg.Parse(`@greet("open)`))
		})
	})
}

func TestParseInvocation(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ref   Reference
		args  []string
		err   bool
	}{
		{
			name:  "alias without args",
			input: "@greet",
			ref:   Reference{Name: "greet"},
		},
		{
			name:  "quoted arguments with commas",
			input: `@greet(arg1, "quoted, arg", arg3)`,
			ref:   Reference{Name: "greet"},
			args:  []string{"arg1", "quoted, arg", "arg3"},
		},
		{
			name:  "escaped quotes",
			input: `@say("she said \"hi\"")`,
			ref:   Reference{Name: "say"},
			args:  []string{`she said "hi"`},
		},
		{
			name:  "whitespace inside unquoted argument is kept",
			input: "@echo( hello world ,x)",
			ref:   Reference{Name: "echo"},
			args:  []string{"hello world", "x"},
		},
		{
			name:  "namespaced and versioned",
			input: "  @acme.tools.search@1.2.3(go)  ",
			ref:   Reference{NameSpace: "acme.tools", Name: "search", Version: "1.2.3"},
			args:  []string{"go"},
		},
		{
			name:  "empty argument list",
			input: "@now()",
			ref:   Reference{Name: "now"},
		},
		{name: "missing sigil", input: "greet", err: true},
		{name: "empty version", input: "@greet@", err: true},
		{name: "empty namespace", input: "@.greet", err: true},
		{name: "bad character", input: "@gr$eet", err: true},
		{name: "unterminated quote", input: `@greet("x)`, err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, args, err := ParseInvocation(tt.input)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ref, ref)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestIsInvocation(t *testing.T) {
	assert.True(t, IsInvocation("  @help"))
	assert.False(t, IsInvocation("mail me at a@b.c"))
}
