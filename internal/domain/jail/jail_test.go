package jail

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MRamiBalles/devjails/internal/domain/region"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref      string
		wantKind Binding
		wantName string
	}{
		{"wg:spawn_jail", BindingExternal, "spawn_jail"},
		{"WG:Spawn", BindingExternal, "Spawn"},
		{"region:cells", BindingExternal, "cells"},
		{"flag:yard", BindingOwned, "yard"},
		{"area:yard", BindingOwned, "yard"},
		{"yard", BindingOwned, "yard"},
		{"  yard ", BindingOwned, "yard"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			kind, name := ParseRef(tt.ref)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestParseBinding(t *testing.T) {
	assert.Equal(t, BindingOwned, ParseBinding("flag"))
	assert.Equal(t, BindingExternal, ParseBinding("WorldGuard"))
	assert.Equal(t, BindingNone, ParseBinding(""))
	assert.Equal(t, BindingNone, ParseBinding("bogus"))
}

func TestLinkAndUnlink(t *testing.T) {
	j := New("Alpha", region.Location{World: "world"})
	assert.False(t, j.HasArea())
	assert.Equal(t, "alpha", j.Key())

	j.Link(BindingOwned, "Yard")
	assert.True(t, j.HasArea())
	assert.True(t, j.BoundTo("yard"))

	j.Unlink()
	assert.Equal(t, BindingNone, j.Binding)
	assert.Empty(t, j.AreaRef)
	assert.False(t, j.BoundTo("yard"))
}
