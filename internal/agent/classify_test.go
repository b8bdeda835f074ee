package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorClass
	}{
		{"connect: network is unreachable", ClassNetwork},
		{"socket hang up", ClassNetwork},
		{"service unavailable", ClassUnavailable},
		{"rate limit exceeded, 429", ClassRateLimit},
		{"401 unauthorized", ClassAuth},
		{"request timed out", ClassTimeout},
		{"merge failed: conflict in file.go", ClassMerge},
		{"! [rejected] main -> main (non-fast-forward)", ClassPushRejected},
		{"something totally unexpected happened", ClassUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.msg), c.msg)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, ClassNetwork.IsRetryable())
	assert.True(t, ClassRateLimit.IsRetryable())
	assert.False(t, ClassAuth.IsRetryable())
	assert.False(t, ClassUnknown.IsRetryable())
}

func TestCircuitBreakerOpensAfterFiveFailures(t *testing.T) {
	b := NewCircuitBreaker()
	fixedNow := time.Now()
	b.now = func() time.Time { return fixedNow }

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.True(t, b.CanCall())
	}
	b.RecordFailure() // 5th failure opens it
	assert.False(t, b.CanCall())
	assert.Equal(t, CircuitOpen, b.State())

	fixedNow = fixedNow.Add(61 * time.Second)
	assert.True(t, b.CanCall())
	assert.Equal(t, CircuitHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, CircuitClosed, b.State())
}

func TestExtractDependencyRequest(t *testing.T) {
	text := "I can't proceed.\nDEPENDENCY_CHANGE_REQUIRED\n" +
		`{"reason":"need lodash","changes":["add lodash"],"commands":["npm i lodash"]}` +
		"\nplease advise"

	req, ok := ExtractDependencyRequest(text)
	assert.True(t, ok)
	assert.Equal(t, "need lodash", req.Reason)
	assert.Equal(t, []string{"npm i lodash"}, req.Commands)
}

func TestExtractDependencyRequestAbsent(t *testing.T) {
	_, ok := ExtractDependencyRequest("nothing special here")
	assert.False(t, ok)
}

func TestExtractDependencyRequestHandlesNestedBraces(t *testing.T) {
	text := `DEPENDENCY_CHANGE_REQUIRED {"reason":"nested","notes":"a {weird} string"}`
	req, ok := ExtractDependencyRequest(text)
	assert.True(t, ok)
	assert.Equal(t, "a {weird} string", req.Notes)
}
