package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func TestMessagePriority(t *testing.T) {
	tests := map[string]struct {
		info     Info
		expected string
		kind     string
	}{
		"empty is unknown": {
			info:     Info{},
			expected: "unknown",
			kind:     "unknown",
		},
		"authentication beats request": {
			info:     Info{AuthenticationError: ptr("bad token"), RequestError: ptr("boom")},
			expected: "bad token",
			kind:     "authenticationError",
		},
		"transport beats conflict": {
			info:     Info{TransportError: ptr("net-down"), Conflict: ptr("stale")},
			expected: "net-down",
			kind:     "transportError",
		},
		"producer cancelled is last": {
			info:     Info{ProducerCancelled: ptr("gone"), ServiceNotReady: ptr("warming")},
			expected: "warming",
			kind:     "serviceNotReady",
		},
		"single producer cancelled": {
			info:     Cancelled("gone"),
			expected: "gone",
			kind:     "producerCancelled",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.info.Message())
			assert.Equal(t, tc.kind, tc.info.Kind())
		})
	}
}

func TestInfoEmitsEveryField(t *testing.T) {
	data, err := json.Marshal(Transport("net-down"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw, 8)
	assert.Equal(t, "net-down", raw["transportError"])
	assert.Nil(t, raw["requestError"])
}

type carrierErr struct{}

func (carrierErr) Error() string     { return "link lost" }
func (carrierErr) FailureInfo() Info { return Transport("link lost") }

func TestFromError(t *testing.T) {
	t.Run("carrier keeps its info", func(t *testing.T) {
		info := FromError(fmt.Errorf("wrapped: %w", carrierErr{}))
		require.NotNil(t, info.TransportError)
		assert.Equal(t, "link lost", *info.TransportError)
	})

	t.Run("conflict", func(t *testing.T) {
		info := FromError(&ConflictError{Resource: "doc.txt", Reason: "stale revision"})
		require.NotNil(t, info.Conflict)
		assert.Contains(t, *info.Conflict, "doc.txt")
	})

	t.Run("cancellation", func(t *testing.T) {
		info := FromError(context.Canceled)
		assert.NotNil(t, info.ProducerCancelled)
	})

	t.Run("fallback carries stack text", func(t *testing.T) {
		info := FromError(Stack(errors.New("disk full")))
		require.NotNil(t, info.RequestError)
		assert.True(t, strings.HasPrefix(*info.RequestError, "disk full"))
		assert.Contains(t, *info.RequestError, "failure_test.go")
	})

	t.Run("rpc error round trips", func(t *testing.T) {
		orig := CallFailed("Files.read#1", NotReady("indexing"))
		info := FromError(orig)
		require.NotNil(t, info.ServiceNotReady)
		assert.Equal(t, "indexing", *info.ServiceNotReady)
	})
}

func TestErrorCopyKeepsMessage(t *testing.T) {
	orig := CallFailed(CallName("Files", "read", "42"), Transport("net-down"))
	assert.Equal(t, "call Files.read#42 failed: Failure[transportError=net-down]", orig.Error())

	dup := orig.Copy()
	assert.Equal(t, orig.Error(), dup.Error())
	assert.Same(t, orig, errors.Unwrap(dup))
	assert.Equal(t, orig.FailureInfo(), dup.FailureInfo())

	var target *Error
	require.True(t, errors.As(dup, &target))
	assert.Equal(t, orig.Error(), target.Error())

	other := StreamFailed("progress", Cancelled("bye")).WithCause(context.Canceled)
	assert.True(t, errors.Is(other, context.Canceled))
	assert.Equal(t, "stream progress failed: Failure[producerCancelled=bye]", other.Error())
}
