package ingest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"zooassist/internal/ai"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"throttled", &ai.StatusError{StatusCode: 429}, true},
		{"server error", fmt.Errorf("wrapped: %w", &ai.StatusError{StatusCode: 502}), true},
		{"bad request", &ai.StatusError{StatusCode: 400}, false},
		{"unauthorized", &ai.StatusError{StatusCode: 401}, false},
		{"network", fmt.Errorf("llm request failed: %w", &net.OpError{Op: "dial", Err: errors.New("connection refused")}), true},
		{"truncated body", fmt.Errorf("read llm response failed: %w", io.ErrUnexpectedEOF), true},
		{"empty input", errors.New("embedding input 0 is empty"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retryable(tc.err))
		})
	}
}
