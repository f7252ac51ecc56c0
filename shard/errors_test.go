package shard

import (
	"errors"
	"testing"
)

func TestKeyString(t *testing.T) {
	if got := Key("blue").String(); got != "blue" {
		t.Errorf("expected 'blue', got %q", got)
	}
	if got := defaultKey.String(); got != "default" {
		t.Errorf("expected 'default', got %q", got)
	}
}

func TestErrors(t *testing.T) {
	errs := []error{
		ErrTargetNotFound,
		ErrAbort,
		ErrConfigFileNotFound,
		ErrEnvironmentNotFound,
		ErrRegistryClosed,
		ErrNoDefault,
	}

	for _, err := range errs {
		if err == nil {
			t.Error("expected non-nil error")
		}
		if err.Error() == "" {
			t.Error("expected non-empty error message")
		}
	}

	for i, a := range errs {
		for j, b := range errs {
			if i != j && errors.Is(a, b) {
				t.Errorf("expected %v and %v to be distinct", a, b)
			}
		}
	}
}

func TestConfigurationError(t *testing.T) {
	err := &ConfigurationError{Key: "purple"}
	if err.Error() != `anchorage: shard "purple" is not configured` {
		t.Errorf("unexpected message %q", err.Error())
	}
	if err.Unwrap() != nil {
		t.Error("expected no reason")
	}

	err = &ConfigurationError{Key: "", Reason: ErrNoDefault}
	if !errors.Is(err, ErrNoDefault) {
		t.Error("expected reason to unwrap")
	}
}

func TestTransactionError(t *testing.T) {
	cause := errors.New("disk full")
	err := &TransactionError{Key: "blue", Op: "commit", Err: cause}

	if err.Error() != `anchorage: commit on shard "blue": disk full` {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to unwrap")
	}
}
