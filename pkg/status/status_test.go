package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestU_Error_IsMatchesKindSentinel(t *testing.T) {
	err := New(KindDocumentMismatch, "verify", "digest differs")

	if !errors.Is(err, ErrDocumentMismatch) {
		t.Fatal("expected errors.Is to match ErrDocumentMismatch")
	}
	if errors.Is(err, ErrSignatureInvalid) {
		t.Fatal("did not expect errors.Is to match ErrSignatureInvalid")
	}
}

func TestU_Error_IsThroughWrapping(t *testing.T) {
	inner := New(KindUserCancelled, "sign", "PIN entry aborted")
	wrapped := fmt.Errorf("batch item 3: %w", inner)

	if !errors.Is(wrapped, ErrUserCancelled) {
		t.Fatal("expected wrapped error to match ErrUserCancelled")
	}
	if KindOf(wrapped) != KindUserCancelled {
		t.Fatalf("KindOf() = %v, want UserCancelled", KindOf(wrapped))
	}
}

func TestU_Error_MessageIncludesOpAndCause(t *testing.T) {
	err := Wrap(KindEngineFailure, "sign", errors.New("module crashed"))

	want := "sign EngineFailure: module crashed"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrEngineFailure) {
		t.Fatal("expected errors.Is to match ErrEngineFailure")
	}
}

func TestU_TooSmall_CarriesRequiredSize(t *testing.T) {
	err := TooSmall("certificates", 1200, 64)

	var se *Error
	if !errors.As(err, &se) {
		t.Fatal("expected *Error")
	}
	if se.Required != 1200 {
		t.Fatalf("Required = %d, want 1200", se.Required)
	}
	if se.Kind.Code() != -2 {
		t.Fatalf("Code() = %d, want -2", se.Kind.Code())
	}
}

func TestU_KindOf_ForeignErrorIsEngineFailure(t *testing.T) {
	if KindOf(nil) != KindNone {
		t.Fatal("KindOf(nil) should be KindNone")
	}
	if KindOf(errors.New("boom")) != KindEngineFailure {
		t.Fatal("foreign error should classify as EngineFailure")
	}
}

func TestU_Classify_KeepsExistingKind(t *testing.T) {
	orig := New(KindCertificateUntrusted, "verify", "unknown issuer")
	got := Classify(fmt.Errorf("ctx: %w", orig), "verify", KindEngineFailure)
	if got.Kind != KindCertificateUntrusted {
		t.Fatalf("Classify() kind = %v, want CertificateUntrusted", got.Kind)
	}

	got = Classify(errors.New("io"), "verify", KindSignatureInvalid)
	if got.Kind != KindSignatureInvalid {
		t.Fatalf("Classify() kind = %v, want SignatureInvalid", got.Kind)
	}
}

func TestU_ParseKind_RoundTripsNames(t *testing.T) {
	for k := KindInvalidRequest; k <= KindEngineFailure; k++ {
		if got := ParseKind(k.String()); got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
}
