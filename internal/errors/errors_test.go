package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *CodedError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CodeStorageNotFound, "run not found"),
			expected: "storage.not_found: run not found",
		},
		{
			name:     "error with cause",
			err:      Wrap(CodeAPIBadStatus, "GetTestStatus returned 500", errors.New("internal")),
			expected: "api.bad_status: GetTestStatus returned 500 (internal)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestCodedError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := Wrap(CodeInternal, "wrapped", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the original cause")
	}

	err2 := New(CodeStorageNotFound, "not found")
	if err2.Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"coded error", New(CodeConnectExhausted, "x"), CodeConnectExhausted},
		{"wrapped coded error", fmt.Errorf("context: %w", New(CodePollFailed, "x")), CodePollFailed},
		{"plain error", errors.New("boom"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("GetCode() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestToCodeAndMessage(t *testing.T) {
	code, msg := ToCodeAndMessage(nil)
	if code != "" || msg != "" {
		t.Errorf("ToCodeAndMessage(nil) = (%q, %q), want empty", code, msg)
	}

	code, msg = ToCodeAndMessage(EmptyTestList())
	if code != CodeSubmitEmptyList {
		t.Errorf("code = %q, want %q", code, CodeSubmitEmptyList)
	}
	if msg != "test list is empty" {
		t.Errorf("message = %q", msg)
	}

	code, msg = ToCodeAndMessage(errors.New("plain"))
	if code != CodeUnknown || msg != "plain" {
		t.Errorf("ToCodeAndMessage(plain) = (%q, %q)", code, msg)
	}
}

func TestGetMessage(t *testing.T) {
	if got := GetMessage(NoAddress()); got != "no equipment IP address given or configured" {
		t.Errorf("GetMessage() = %q", got)
	}
	if got := GetMessage(errors.New("raw")); got != "raw" {
		t.Errorf("GetMessage() = %q, want %q", got, "raw")
	}
}

func TestConstructors(t *testing.T) {
	t.Run("ConnectExhausted", func(t *testing.T) {
		cause := errors.New("refused")
		err := ConnectExhausted("192.168.5.53", 3, cause)
		if !IsCode(err, CodeConnectExhausted) {
			t.Errorf("code = %q, want %q", GetCode(err), CodeConnectExhausted)
		}
		if err.Message != "could not connect to 192.168.5.53 after 3 attempts" {
			t.Errorf("message = %q", err.Message)
		}
		if !errors.Is(err, cause) {
			t.Error("ConnectExhausted() should preserve cause")
		}
	})

	t.Run("PortUnreachable", func(t *testing.T) {
		err := PortUnreachable(5001, 4)
		if !IsCode(err, CodeLaunchPortUnreachable) {
			t.Errorf("code = %q", GetCode(err))
		}
		if !strings.Contains(err.Message, "5001") {
			t.Errorf("message = %q, want port", err.Message)
		}
	})

	t.Run("InvalidPhase", func(t *testing.T) {
		err := InvalidPhase("submit", "CONNECTED")
		if err.Message != "submit not allowed in phase CONNECTED" {
			t.Errorf("message = %q", err.Message)
		}
	})

	t.Run("RunCanceled", func(t *testing.T) {
		err := RunCanceled()
		if !IsCode(err, CodeSubmitCanceled) {
			t.Errorf("code = %q", GetCode(err))
		}
		if err.Message != "test cancelled by user" {
			t.Errorf("message = %q", err.Message)
		}
	})

	t.Run("PollFailed", func(t *testing.T) {
		err := PollFailed(3, errors.New("timeout"))
		if !IsCode(err, CodePollFailed) {
			t.Errorf("code = %q", GetCode(err))
		}
	})
}

func TestErrorsAs(t *testing.T) {
	cause := errors.New("original")
	coded := Wrap(CodeAPITimeout, "wrapped", cause)
	wrapped := Wrap(CodeConnectExhausted, "double wrapped", coded)

	var target *CodedError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find CodedError in chain")
	}
	if target.Code != CodeConnectExhausted {
		t.Errorf("errors.As should find outermost CodedError, got code %q", target.Code)
	}
}

func TestErrorCodes(t *testing.T) {
	codes := []string{
		CodeLaunchSpawnFailed, CodeLaunchPortUnreachable, CodeLaunchNotConfigured,
		CodeConnectNoAddress, CodeConnectExhausted, CodeConnectCanceled,
		CodeAPIRequestFailed, CodeAPITimeout, CodeAPIBadStatus, CodeAPIDecodeFailed,
		CodePollFailed, CodeProjectModelMissing, CodeProjectPutFailed,
		CodeSubmitEmptyList, CodeSubmitRejected, CodeSubmitCanceled, CodeStateInvalidPhase, CodeStateInvariant,
		CodeStorageOpenFailed, CodeStorageQueryFailed, CodeStorageSaveFailed, CodeStorageNotFound,
		CodeConfigNotFound, CodeConfigInvalid, CodeArtifactWriteFailed, CodeArtifactUploadFailed,
		CodeKeepAwakeUnsupported, CodeKeepAwakeAcquireFailed,
		CodeUnknown, CodeInternal,
	}
	for _, code := range codes {
		parts := strings.Split(code, ".")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			t.Errorf("code %q does not follow {domain}.{error}", code)
		}
	}
}
