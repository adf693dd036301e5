package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zerogate/gateway/pkg/breaker"
)

func testConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:  3,
		WindowDuration:    time.Minute,
		OpenDuration:      20 * time.Millisecond,
		HalfOpenMaxProbes: 1,
	}
}

func TestRegistry_ClosedAllowsByDefault(t *testing.T) {
	reg := breaker.NewRegistry(testConfig())
	assert.True(t, reg.Allow("serpapi"))
	assert.Equal(t, breaker.Closed, reg.State("serpapi"))
}

func TestRegistry_OpensAtFailureThreshold(t *testing.T) {
	reg := breaker.NewRegistry(testConfig())
	for i := 0; i < 3; i++ {
		reg.Allow("serpapi")
		reg.Failure("serpapi")
	}
	assert.Equal(t, breaker.Open, reg.State("serpapi"))
	assert.False(t, reg.Allow("serpapi"))
}

func TestRegistry_TransitionsToHalfOpenAfterOpenDuration(t *testing.T) {
	reg := breaker.NewRegistry(testConfig())
	for i := 0; i < 3; i++ {
		reg.Allow("serpapi")
		reg.Failure("serpapi")
	}
	requireOpen(t, reg)

	time.Sleep(30 * time.Millisecond)
	assert.True(t, reg.Allow("serpapi"))
	assert.Equal(t, breaker.HalfOpen, reg.State("serpapi"))
}

func TestRegistry_HalfOpenSuccessCloses(t *testing.T) {
	reg := breaker.NewRegistry(testConfig())
	for i := 0; i < 3; i++ {
		reg.Allow("serpapi")
		reg.Failure("serpapi")
	}
	time.Sleep(30 * time.Millisecond)
	reg.Allow("serpapi")
	reg.Success("serpapi")

	assert.Equal(t, breaker.Closed, reg.State("serpapi"))
	assert.True(t, reg.Allow("serpapi"))
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	reg := breaker.NewRegistry(testConfig())
	for i := 0; i < 3; i++ {
		reg.Allow("serpapi")
		reg.Failure("serpapi")
	}
	time.Sleep(30 * time.Millisecond)
	reg.Allow("serpapi")
	reg.Failure("serpapi")

	assert.Equal(t, breaker.Open, reg.State("serpapi"))
}

func TestRegistry_HalfOpenRespectsMaxProbes(t *testing.T) {
	reg := breaker.NewRegistry(testConfig())
	for i := 0; i < 3; i++ {
		reg.Allow("serpapi")
		reg.Failure("serpapi")
	}
	time.Sleep(30 * time.Millisecond)

	assert.True(t, reg.Allow("serpapi"))  // one probe slot (MaxProbes=1)
	assert.False(t, reg.Allow("serpapi")) // no slots remain
}

func TestRegistry_ToolsAreIndependent(t *testing.T) {
	reg := breaker.NewRegistry(testConfig())
	for i := 0; i < 3; i++ {
		reg.Allow("serpapi")
		reg.Failure("serpapi")
	}
	assert.Equal(t, breaker.Open, reg.State("serpapi"))
	assert.Equal(t, breaker.Closed, reg.State("gmail_send"))
}

func requireOpen(t *testing.T, reg *breaker.Registry) {
	t.Helper()
	assert.Equal(t, breaker.Open, reg.State("serpapi"))
}
