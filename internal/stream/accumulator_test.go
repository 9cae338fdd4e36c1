package stream

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// splitAt 按 cuts 把 s 切成连续片段
func splitAt(s string, cuts []int) []string {
	if len(s) == 0 {
		return nil
	}
	points := map[int]bool{}
	for _, c := range cuts {
		if c < 0 {
			c = -c
		}
		points[c%len(s)] = true
	}
	var parts []string
	start := 0
	for i := 1; i < len(s); i++ {
		if points[i] {
			parts = append(parts, s[start:i])
			start = i
		}
	}
	return append(parts, s[start:])
}

func TestAccumulatorChunkBoundaryIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("incremental deltas concatenate to the full text", prop.ForAll(
		func(text string, cuts []int) bool {
			var acc ContentAccumulator
			for _, part := range splitAt(text, cuts) {
				acc.Append(part)
			}
			return acc.Content() == text
		},
		gen.AnyString(),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.Property("cumulative resends converge on the full text", prop.ForAll(
		func(text string, cuts []int) bool {
			var acc ContentAccumulator
			sent := ""
			for _, part := range splitAt(text, cuts) {
				sent += part
				acc.Accumulate(sent)
			}
			return acc.Content() == text
		},
		gen.AlphaString(),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.Property("reconcile never shortens streamed content", prop.ForAll(
		func(streamed, final string) bool {
			var acc ContentAccumulator
			acc.Append(streamed)
			got := acc.Reconcile(final)
			return len(got) >= len(streamed) && (final == "" || len(final) < len(streamed) || got == final)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestAccumulateReplacesSuperset(t *testing.T) {
	var acc ContentAccumulator
	acc.Accumulate("Hello")
	assert.Equal(t, "Hello world", acc.Accumulate("Hello world"))
	assert.False(t, strings.Contains(acc.Content(), "HelloHello"))

	acc.Accumulate("!")
	assert.Equal(t, "Hello world!", acc.Content())
}

func TestReconcilePrefersLongerValue(t *testing.T) {
	var acc ContentAccumulator
	acc.Append("The full streamed answer")

	assert.Equal(t, "The full streamed answer", acc.Reconcile("The full"))
	assert.Equal(t, "The full streamed answer", acc.Reconcile(""))
	assert.Equal(t, "The full streamed answer.", acc.Reconcile("The full streamed answer."))
}

func TestThinkingAccumulatorElapsed(t *testing.T) {
	var acc ThinkingAccumulator
	acc.ObserveElapsed(300)
	acc.ObserveElapsed(120)
	assert.Equal(t, int64(300), acc.ElapsedMs())

	acc.Append("x")
	acc.Clear()
	assert.Equal(t, "", acc.Content())
	assert.Equal(t, int64(0), acc.ElapsedMs())
}

func TestParseDeltaMode(t *testing.T) {
	assert.Equal(t, DeltaCumulative, ParseDeltaMode(" Cumulative "))
	assert.Equal(t, DeltaIncremental, ParseDeltaMode(""))
	assert.Equal(t, DeltaIncremental, ParseDeltaMode("whatever"))
}
