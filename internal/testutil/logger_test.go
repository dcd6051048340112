package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCaptureLogger_ConcurrentWriters(t *testing.T) {
	logger, buf := NewCaptureLogger()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Trace().Int("writer", i).Msg("hello")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, countLines(buf.String()))
	assert.Contains(t, buf.String(), `"level":"trace"`)
}

func TestNewTestLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		logger := NewTestLogger(t)
		logger.Info().Str("component", "test").Msg("visible with -v")
	})
}

func countLines(s string) int {
	n := 0
	for _, c := range s {
		if c == '\n' {
			n++
		}
	}
	return n
}
