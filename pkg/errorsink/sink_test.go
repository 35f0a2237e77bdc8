package errorsink

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSink_AddAndRemove(t *testing.T) {
	s := New()

	s.AddError(KeyRunPlan, errors.New("boom"))
	s.AddError(KeyGeneral, errors.New("other"))

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []Key{KeyGeneral, KeyRunPlan}, s.Keys())

	err, ok := s.Get(KeyRunPlan)
	require.True(t, ok)
	assert.EqualError(t, err, "boom")

	s.RemoveError(KeyRunPlan)
	_, ok = s.Get(KeyRunPlan)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestSink_AddNilIgnored(t *testing.T) {
	s := New()
	calls := 0
	s.OnChange(func(int) { calls++ })

	s.AddError(KeyGeneral, nil)

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, calls)
}

func TestSink_ObserversSeeSizeAfterChange(t *testing.T) {
	s := New()
	var sizes []int
	cancel := s.OnChange(func(size int) { sizes = append(sizes, size) })

	s.AddError(KeyApplyPlan, errors.New("a"))
	s.AddError(KeyApplyPlan, errors.New("b"))
	s.RemoveError(KeyGeneral) // absent, no notification
	s.RemoveError(KeyApplyPlan)

	assert.Equal(t, []int{1, 1, 0}, sizes)

	cancel()
	cancel()
	s.AddError(KeyGeneral, errors.New("c"))
	assert.Len(t, sizes, 3)
}

func TestSink_ObserverMayReenter(t *testing.T) {
	s := New()
	s.OnChange(func(size int) {
		if size > 1 {
			s.RemoveError(KeyGeneral)
		}
	})

	s.AddError(KeyGeneral, errors.New("a"))
	s.AddError(KeyRunPlan, errors.New("b"))

	assert.Equal(t, []Key{KeyRunPlan}, s.Keys())
}
