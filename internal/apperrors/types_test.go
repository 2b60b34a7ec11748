package apperrors

import (
	stdErrors "errors"
	"testing"
)

func TestAppError_ConstructorsAndMethods(t *testing.T) {
	e := New(ValidationError, "bad input")
	if e.Type != ValidationError || e.Message != "bad input" {
		t.Fatalf("unexpected New fields: %+v", e)
	}
	if e.Error() != "validation: bad input" {
		t.Fatalf("unexpected Error(): %q", e.Error())
	}

	e.WithCode("E123").WithDetails("missing field x")
	if e.Code != "E123" || e.Details != "missing field x" {
		t.Fatalf("WithCode/WithDetails failed: %+v", e)
	}

	cause := stdErrors.New("boom")
	w := Wrap(cause, DatabaseError, "db op failed")
	if w.Cause == nil || w.Unwrap() != cause {
		t.Fatalf("Wrap did not set cause: %+v", w)
	}

	a := &AppError{Type: ReplayError, Code: "X"}
	b := &AppError{Type: ReplayError, Code: "X"}
	c := &AppError{Type: ReplayError, Code: "Y"}
	if !a.Is(b) {
		t.Fatalf("expected a.Is(b) true")
	}
	if a.Is(c) {
		t.Fatalf("expected a.Is(c) false due to different code")
	}
}

func TestHelpers_IsType_GetType(t *testing.T) {
	base := NewRateLimitError("agent_1")
	if !IsType(base, RateLimitError) {
		t.Fatalf("IsType failed for base")
	}
	wrapped := Wrap(base, InternalError, "wrapped")
	if IsType(wrapped, RateLimitError) {
		t.Fatalf("IsType should not report inner type for wrapped error")
	}
	if GetType(wrapped) != InternalError {
		t.Fatalf("GetType should return outer type")
	}

	other := stdErrors.New("plain")
	if GetType(other) != InternalError {
		t.Fatalf("plain error GetType should be InternalError")
	}
}

func TestGatewaySpecificConstructors(t *testing.T) {
	if NewSignatureError("bad sig").Type != SignatureError {
		t.Fatal("NewSignatureError type")
	}
	if NewReplayError("abc").Type != ReplayError {
		t.Fatal("NewReplayError type")
	}
	if NewRateLimitError("agent_1").Type != RateLimitError {
		t.Fatal("NewRateLimitError type")
	}
	if NewChallengeError("pow required").Type != ChallengeError {
		t.Fatal("NewChallengeError type")
	}
	if NewPolicyError("protect_admin", "denied").Type != PolicyError {
		t.Fatal("NewPolicyError type")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[ErrorType]int{
		ValidationError:     400,
		ChallengeError:      401,
		PolicyError:         403,
		SignatureError:      403,
		ReplayError:         403,
		NotFoundError:       404,
		ConflictError:       409,
		RateLimitError:      429,
		TimeoutError:        504,
		CircuitBreakerError: 503,
		InternalError:       500,
	}
	for typ, want := range cases {
		if got := HTTPStatus(typ); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", typ, got, want)
		}
	}
}
