package resources

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, defs ...Definition) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, d := range defs {
		_, err := reg.Add(d)
		require.NoError(t, err)
	}
	return reg
}

func TestRegistry_Add(t *testing.T) {
	tests := []struct {
		name     string
		defs     []Definition
		wantKind Kind
	}{
		{name: "single", defs: []Definition{{Name: "agent-1"}}},
		{name: "duplicate", defs: []Definition{{Name: "agent-1"}, {Name: "agent-1"}}, wantKind: KindConflict},
		{name: "blank name", defs: []Definition{{Name: "  "}}, wantKind: KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			var err error
			for _, d := range tt.defs {
				if _, err = reg.Add(d); err != nil {
					break
				}
			}
			if got := KindOf(err); got != tt.wantKind {
				t.Errorf("Add() kind got=%#v want=%#v (err=%v)", got, tt.wantKind, err)
			}
		})
	}
}

func TestRegistry_WithLabelOrder(t *testing.T) {
	reg := newTestRegistry(t,
		Definition{Name: "c", Labels: []string{"Linux"}},
		Definition{Name: "a", Labels: []string{"windows"}},
		Definition{Name: "b", Labels: []string{"linux", "arm64"}},
	)
	tests := []struct {
		label string
		want  []string
	}{
		{label: "linux", want: []string{"c", "b"}},
		{label: "LINUX", want: []string{"c", "b"}},
		{label: "arm64, windows", want: []string{"a", "b"}},
		{label: "solaris", want: nil},
		{label: "", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			var got []string
			for _, r := range reg.WithLabel(tt.label) {
				got = append(got, r.Name())
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("WithLabel(%q) got=%#v want=%#v", tt.label, got, tt.want)
			}
		})
	}
}

func TestRegistry_Counts(t *testing.T) {
	reg := newTestRegistry(t,
		Definition{Name: "r1", Labels: []string{"gpu"}},
		Definition{Name: "r2", Labels: []string{"gpu"}},
		Definition{Name: "r3", Labels: []string{"gpu"}},
		Definition{Name: "r4", Labels: []string{"cpu"}},
	)
	r1, _ := reg.Lookup("r1")
	r1.SetState(LockedBy("job #1", ""))

	assert.Equal(t, 3, reg.TotalCount("gpu"))
	assert.Equal(t, 2, reg.FreeCount("gpu"))
	assert.Equal(t, 66, reg.FreePercentage("gpu"))
	assert.Equal(t, 0, reg.FreePercentage("nothing"))
	assert.Equal(t, []string{"cpu", "gpu"}, reg.AllLabels())
}

func TestRegistry_Resolve(t *testing.T) {
	reg := newTestRegistry(t, Definition{Name: "a"}, Definition{Name: "b"})

	got, err := reg.Resolve("lock", []string{"b", "a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Name())

	_, err = reg.Resolve("lock", []string{"a", "x", "y"})
	assert.True(t, errors.Is(err, ErrNotFound))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []string{"x", "y"}, e.Resources)

	_, err = reg.Resolve("lock", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRegistry_Remove(t *testing.T) {
	reg := newTestRegistry(t, Definition{Name: "a"}, Definition{Name: "b"})
	a, _ := reg.Lookup("a")
	a.SetState(ReservedBy("alice"))

	assert.ErrorIs(t, reg.Remove("a"), ErrConflict)
	assert.ErrorIs(t, reg.Remove("zzz"), ErrNotFound)
	require.NoError(t, reg.Remove("b"))
	assert.Equal(t, 1, reg.Len())

	a.Release()
	require.NoError(t, reg.Remove("a"))
	assert.Empty(t, reg.Resources())
}

func TestRegistry_SetLabels(t *testing.T) {
	reg := newTestRegistry(t, Definition{Name: "a", Labels: []string{"old"}})
	a, _ := reg.Lookup("a")
	a.SetState(LockedBy("job #3", ""))

	require.NoError(t, reg.SetLabels("a", []string{"New", "new", "other"}))
	assert.Equal(t, []string{"new", "other"}, a.Labels())
	assert.True(t, a.State().IsLocked(), "relabel must not change lock state")
}
