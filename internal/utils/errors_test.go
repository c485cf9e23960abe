package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifySyncError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"in flight", fmt.Errorf("enqueue doc-1: %w", ErrAlreadyInFlight), ErrCodeSyncAlreadyInFlight},
		{"local changes", ErrHasLocalChanges, ErrCodeSyncLocalChanges},
		{"obstacle", ErrObstaclePending, ErrCodeSyncObstacle},
		{"not found", ErrNodeNotFound, ErrCodeNodeNotFound},
		{"offline", fmt.Errorf("download: %w", ErrOffline), ErrCodeOffline},
		{"auth", ErrAuthRequired, ErrCodeAuthRequired},
		{"aborted", ErrDisableAborted, ErrCodeAborted},
		{"corruption", ErrRegistryCorruption, ErrCodeRegistryCorruption},
		{"cancelled", context.Canceled, ErrCodeCancelled},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"app error", NewAppError(NewCLIError(ErrCodeStorageError, "disk").Build()), ErrCodeStorageError},
		{"unknown", errors.New("boom"), ErrCodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifySyncError(tt.err); got != tt.want {
				t.Errorf("ClassifySyncError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	if GetExitCode(ErrCodeSyncLocalChanges) != ExitLocalChanges {
		t.Error("SYNC_LOCAL_CHANGES should map to ExitLocalChanges")
	}
	if GetExitCode(ErrCodeOffline) != ExitOffline {
		t.Error("OFFLINE should map to ExitOffline")
	}
	if GetExitCode("NOT_A_CODE") != ExitUnknown {
		t.Error("unknown codes should map to ExitUnknown")
	}
}

func TestWrapAppError(t *testing.T) {
	cause := fmt.Errorf("remove: %w", ErrHasLocalChanges)
	err := WrapAppError(NewCLIError(ErrCodeSyncLocalChanges, "has edits").WithContext("node", "doc-1").Build(), cause)

	if !errors.Is(err, ErrHasLocalChanges) {
		t.Error("Expected wrapped cause to be visible to errors.Is")
	}
	if err.Error() != "SYNC_LOCAL_CHANGES: has edits" {
		t.Errorf("Error() = %q", err.Error())
	}

	cliErr := ToCLIError(err)
	if cliErr.Context["node"] != "doc-1" {
		t.Errorf("Expected context to survive ToCLIError, got %v", cliErr.Context)
	}
}

func TestToCLIError_Retryable(t *testing.T) {
	if !ToCLIError(ErrOffline).Retryable {
		t.Error("offline errors should be retryable")
	}
	if ToCLIError(ErrHasLocalChanges).Retryable {
		t.Error("local-change errors should not be retryable")
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		MimeTypeDocument:  "docx",
		"application/pdf": "pdf",
		"text/plain":      "txt",
		"application/x-y": "bin",
	}
	for mime, want := range tests {
		if got := ExtensionFor(mime); got != want {
			t.Errorf("ExtensionFor(%q) = %q, want %q", mime, got, want)
		}
	}
}
