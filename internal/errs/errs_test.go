package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyUpstreamNil(t *testing.T) {
	assert.Nil(t, ClassifyUpstream(nil))
}

func TestClassifyUpstreamDoNotRetryPatterns(t *testing.T) {
	cases := []struct {
		message string
		kind    UpstreamKind
	}{
		{"Invalid params: missing field 'pubkey'", UpstreamInvalidParams},
		{"Account not found for address xyz", UpstreamNotFound},
		{"Block not found for slot 123", UpstreamNotFound},
		{"connection reset by peer", UpstreamTransient},
		{"rate limit exceeded", UpstreamTransient},
	}
	for _, c := range cases {
		got := ClassifyUpstream(fmt.Errorf(c.message))
		assert.Equal(t, c.kind, got.Kind, c.message)
	}
}

func TestUpstreamErrorRetryableOnlyForTransient(t *testing.T) {
	assert.True(t, (&UpstreamError{Kind: UpstreamTransient}).Retryable())
	assert.False(t, (&UpstreamError{Kind: UpstreamNotFound}).Retryable())
	assert.False(t, (&UpstreamError{Kind: UpstreamInvalidParams}).Retryable())
}

func TestAllAttemptsFailedErrorUnwrapsToLastCause(t *testing.T) {
	cause := errors.New("boom")
	err := &AllAttemptsFailedError{Attempts: 3, URLs: []string{"a", "b"}, LastCause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "3 attempts failed")
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Op: "getBalance", Timeout: "2s"}
	assert.Equal(t, "ral: getBalance timed out after 2s", err.Error())
}
