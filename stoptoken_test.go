package corosio

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStopSourceStopIsIdempotent(t *testing.T) {
	src := NewStopSource()
	var calls atomic.Int32
	src.Token().OnStop(func() { calls.Add(1) })

	src.Stop()
	src.Stop()
	src.Stop()

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, src.Token().StopRequested())
}

func TestStopTokenOnStopAfterFireRunsImmediately(t *testing.T) {
	src := NewStopSource()
	src.Stop()

	var called bool
	src.Token().OnStop(func() { called = true })
	assert.True(t, called, "a handler registered after Stop must still run")
}

func TestZeroValueStopTokenNeverFires(t *testing.T) {
	var tok StopToken
	assert.False(t, tok.StopRequested())
	tok.OnStop(func() { t.Fatal("zero-value StopToken must never invoke handlers") })
}

func TestAnyTokenFiresOnFirstSource(t *testing.T) {
	a := NewStopSource()
	b := NewStopSource()
	composite := AnyToken(a.Token(), b.Token())

	assert.False(t, composite.StopRequested())
	b.Stop()
	assert.True(t, composite.StopRequested())

	// Firing the other source afterwards must not panic or double-fire.
	a.Stop()
	assert.True(t, composite.StopRequested())
}

func TestAnyTokenObservesAlreadyStoppedSource(t *testing.T) {
	a := NewStopSource()
	a.Stop()
	composite := AnyToken(a.Token(), NewStopSource().Token())
	assert.True(t, composite.StopRequested())
}

func TestAnyTokenWithNoSourcesNeverFires(t *testing.T) {
	composite := AnyToken()
	assert.False(t, composite.StopRequested())
}
