package orchestrator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInsertLookupRemove(t *testing.T) {
	r := NewRegistry()
	rc := &RunContext{}

	r.Insert("run-1", rc)
	assert.Equal(t, 1, r.Len())
	assert.Same(t, rc, r.Lookup("run-1"))
	assert.Nil(t, r.Lookup("run-2"))

	r.Remove("run-1")
	assert.Equal(t, 0, r.Len())
	assert.Nil(t, r.Lookup("run-1"))
}

func TestRunContextInflightLastWriteWins(t *testing.T) {
	rc := &RunContext{}
	assert.Nil(t, rc.Inflight())

	rc.SetInflight("thr-1", "turn-1")
	rc.SetInflight("thr-1", "turn-2")

	ref := rc.Inflight()
	require.NotNil(t, ref)
	assert.Equal(t, "turn-2", ref.TurnID)

	// The returned ref is a copy; mutating it does not touch the context.
	ref.TurnID = "mutated"
	assert.Equal(t, "turn-2", rc.Inflight().TurnID)

	rc.ClearInflight()
	assert.Nil(t, rc.Inflight())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc := &RunContext{}
			r.Insert("run-x", rc)
			rc.SetInflight("thr", "turn")
			_ = r.Lookup("run-x")
			r.Remove("run-x")
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
