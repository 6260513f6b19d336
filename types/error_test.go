package types

import (
	"errors"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithProvider("openai")

	if GetErrorCode(err) != ErrUpstreamError {
		t.Fatalf("expected code %s, got %s", ErrUpstreamError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestNormalize_ClosedSetMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code ErrorCode
		want NormalizedCode
	}{
		{ErrServiceUnavailable, NormUnreachable},
		{ErrProviderUnavailable, NormUnreachable},
		{ErrUnreachable, NormUnreachable},
		{ErrTimeout, NormTimeout},
		{ErrUpstreamTimeout, NormTimeout},
		{ErrContextTooLong, NormContextLength},
		{ErrOutOfMemory, NormOOM},
		{ErrUpstreamError, NormOther},
		{ErrRateLimited, NormOther},
		{ErrInvalidRequest, NormOther},
		{ErrorCode("SOMETHING_NEW"), NormOther},
	}
	for _, tc := range cases {
		err := NewError(tc.code, "x")
		if got := err.Normalize(); got != tc.want {
			t.Fatalf("%s normalized to %s, want %s", tc.code, got, tc.want)
		}
	}
}
