package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestNewUsesRegisteredMessage(t *testing.T) {
	err := New(CodeCircuitOpen, "", WithMetadata("target", "vision"))
	if err.Message() != "target circuit is open" {
		t.Fatalf("unexpected message %q", err.Message())
	}
	if err.Metadata()["target"] != "vision" {
		t.Fatalf("metadata missing: %v", err.Metadata())
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("unexpected severity %q", err.Severity())
	}
}

func TestCodeSurvivesWrapping(t *testing.T) {
	base := Wrap(CodeTimeout, stdErrors.New("deadline"), "call timed out")
	wrapped := fmt.Errorf("dispatch: %w", base)

	if CodeOf(wrapped) != CodeTimeout || !HasCode(wrapped, CodeTimeout) {
		t.Fatalf("code lost through wrapping: %v", wrapped)
	}
	if !stdErrors.Is(wrapped, New(CodeTimeout, "")) {
		t.Fatal("errors.Is should match on code")
	}
	if HTTPStatus(wrapped) != http.StatusGatewayTimeout {
		t.Fatalf("unexpected status %d", HTTPStatus(wrapped))
	}
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	err := New(Code("NOPE"), "")
	if err.Message() != "unknown error" {
		t.Fatalf("unexpected message %q", err.Message())
	}
	if HTTPStatus(stdErrors.New("plain")) != http.StatusInternalServerError {
		t.Fatal("plain errors should map to 500")
	}
	if HTTPStatus(nil) != http.StatusOK {
		t.Fatal("nil should map to 200")
	}
}

func TestRegisterAddsCode(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "registered", Severity: SeverityInfo, HTTPStatus: http.StatusTeapot})
	if HTTPStatus(New(code, "")) != http.StatusTeapot {
		t.Fatal("registered status not used")
	}
}
