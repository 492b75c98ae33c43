package voiceerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_IsMatchesKind(t *testing.T) {
	cause := errors.New("dial failed")
	err := fmt.Errorf("turn aborted: %w", E(CollaboratorFailure, "transcribe", cause))

	if !errors.Is(err, ErrCollaboratorFailure) {
		t.Error("Expected wrapped error to match ErrCollaboratorFailure")
	}
	if errors.Is(err, ErrTransportClosed) {
		t.Error("Expected wrapped error not to match ErrTransportClosed")
	}
	if !errors.Is(err, cause) {
		t.Error("Expected cause to remain reachable")
	}
	if KindOf(err) != CollaboratorFailure {
		t.Errorf("Expected kind %v, got %v", CollaboratorFailure, KindOf(err))
	}
}

func TestKindOf_Unknown(t *testing.T) {
	if KindOf(errors.New("plain")) != Unknown {
		t.Error("Expected plain errors to have kind Unknown")
	}
}

func TestKind_HTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{SignatureValidationFailure, http.StatusForbidden},
		{MalformedControlFrame, http.StatusBadRequest},
		{CollaboratorFailure, http.StatusBadGateway},
		{CaptureUnavailable, http.StatusServiceUnavailable},
		{Unknown, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.HTTPStatus(); got != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, got)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	err := E(EmptyUtterance, "pipeline", nil)
	if err.Error() != "pipeline: empty_utterance" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}
