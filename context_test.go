package corosio

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	name   string
	closed *[]string
}

func (f *fakeService) closeService() {
	if f.closed == nil {
		return
	}
	*f.closed = append(*f.closed, f.name)
}

func TestGetOrCreateServiceReturnsSingleton(t *testing.T) {
	ctx := newTestContext(t)

	var creates int
	factory := func() serviceCloser {
		creates++
		return &fakeService{name: "svc"}
	}

	first := ctx.getOrCreateService("k", factory)
	second := ctx.getOrCreateService("k", factory)

	assert.Same(t, first, second)
	assert.Equal(t, 1, creates)
}

func TestGetOrCreateServiceIsRaceFreeAcrossGoroutines(t *testing.T) {
	ctx := newTestContext(t)

	var creates int
	var mu sync.Mutex
	factory := func() serviceCloser {
		mu.Lock()
		creates++
		mu.Unlock()
		return &fakeService{name: "concurrent"}
	}

	const n = 50
	results := make([]any, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = ctx.getOrCreateService("shared", factory)
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, creates)
}

func TestCloseTearsDownServicesInReverseOrder(t *testing.T) {
	ctx, err := NewExecutionContext()
	require.NoError(t, err)

	var closedOrder []string
	ctx.getOrCreateService("a", func() serviceCloser { return &fakeService{name: "a", closed: &closedOrder} })
	ctx.getOrCreateService("b", func() serviceCloser { return &fakeService{name: "b", closed: &closedOrder} })
	ctx.getOrCreateService("c", func() serviceCloser { return &fakeService{name: "c", closed: &closedOrder} })

	require.NoError(t, ctx.Close())
	assert.Equal(t, []string{"c", "b", "a"}, closedOrder)
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx, err := NewExecutionContext()
	require.NoError(t, err)

	var closedOrder []string
	ctx.getOrCreateService("a", func() serviceCloser { return &fakeService{name: "a", closed: &closedOrder} })

	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close())
	assert.Equal(t, []string{"a"}, closedOrder, "a second Close must not re-run teardown")
}

func TestNewExecutionContextAppliesOptions(t *testing.T) {
	logger := NewWriterLogger(nil, LevelDebug)
	ctx, err := NewExecutionContext(WithLogger(logger), WithMetrics(true), WithReactorPollBudget(64))
	require.NoError(t, err)
	defer ctx.Close()

	assert.Same(t, logger, ctx.Logger())
	assert.NotNil(t, ctx.Metrics())
}

func TestMetricsNilWithoutWithMetrics(t *testing.T) {
	ctx := newTestContext(t)
	assert.Nil(t, ctx.Metrics())
}
