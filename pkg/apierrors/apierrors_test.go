package apierrors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeNotConfigured:           409,
		CodeMissingRecoveryPassword: 412,
		CodeMissingPasskey:          412,
		CodeWrongPasskey:            403,
		CodeOTPRequired:             401,
		CodeMethodCallTimeout:       504,
		CodeConnectionDestroyed:     503,
		CodeMethodNotFound:          501,
		CodeInvalidArgument:         400,
		CodeUnknownSignerError:      502,
		Code("UNKNOWN"):             500,
	}

	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("HTTPStatus(%s)=%d, want %d", code, got, want)
		}
	}
}

func TestGRPCStatus(t *testing.T) {
	cases := map[Code]codes.Code{
		CodeNotConfigured:         codes.FailedPrecondition,
		CodeWrongRecoveryPassword: codes.PermissionDenied,
		CodeConnectionTimeout:     codes.DeadlineExceeded,
		CodeTransmissionFailed:    codes.Unavailable,
		CodeMethodNotFound:        codes.Unimplemented,
		Code("UNKNOWN"):           codes.Internal,
	}

	for code, want := range cases {
		if got := GRPCStatus(code); got != want {
			t.Fatalf("GRPCStatus(%s)=%s, want %s", code, got, want)
		}
	}
}

func TestRequiresRetryAfter(t *testing.T) {
	for _, code := range []Code{CodeRetryLater, CodeConnectionTimeout, CodeMethodCallTimeout, CodeConnectionDestroyed, CodeTransmissionFailed} {
		if !RequiresRetryAfter(code) {
			t.Fatalf("%s should require header", code)
		}
	}
	if RequiresRetryAfter(CodeInvalidArgument) {
		t.Fatal("InvalidArgument should not require header")
	}
}

func TestErrorRetryAfterHint(t *testing.T) {
	err := New(CodeRetryLater, "slow down").WithRetryAfter(1500 * time.Millisecond)
	if hint := err.RetryAfterHint(); hint != "2" {
		t.Fatalf("expected retryAfter 2, got %q", hint)
	}
	if err.Error() != "slow down" {
		t.Fatalf("unexpected Error(): %s", err.Error())
	}
	if hint := New(CodeRetryLater, "").RetryAfterHint(); hint != "" {
		t.Fatalf("expected empty hint, got %q", hint)
	}
}

func TestFromErrorAndWrap(t *testing.T) {
	cause := errors.New("pipe closed")
	original := Wrap(CodeTransmissionFailed, "relay unavailable", cause)
	wrapped := fmt.Errorf("wrap: %w", original)
	if apiErr, ok := FromError(wrapped); !ok {
		t.Fatal("expected to unwrap api error")
	} else if apiErr.Code != CodeTransmissionFailed {
		t.Fatalf("unexpected code %s", apiErr.Code)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("cause should stay reachable")
	}
	if _, ok := FromError(fmt.Errorf("other")); ok {
		t.Fatal("should not unwrap plain error")
	}
}
