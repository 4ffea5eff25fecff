package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTransientErrorClassification(t *testing.T) {
	err := NewTransientError("observing cluster state", errors.New("dial tcp: i/o timeout"))

	if !IsTransient(err) {
		t.Error("transient error must classify as transient")
	}
	if IsFatal(err) {
		t.Error("transient error must not classify as fatal")
	}
	if err.Code != ErrCodeUnavailable {
		t.Errorf("expected code %s, got %s", ErrCodeUnavailable, err.Code)
	}

	// Wrapping keeps the classification reachable.
	wrapped := fmt.Errorf("reconcile: %w", err)
	if !IsTransient(wrapped) {
		t.Error("classification must survive wrapping")
	}
}

func TestErrorStringCarriesContext(t *testing.T) {
	err := NewSchemaError("applications.kfp-api.scale", "field fails \"gt\" constraint", nil)
	for _, want := range []string{ErrCodeSchema, "applications.kfp-api.scale"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error string missing %q: %s", want, err)
		}
	}

	apply := NewApplyError("deploy:kfp-db", "deploy", errors.New("quota exceeded"))
	for _, want := range []string{"deploy:kfp-db", "quota exceeded"} {
		if !strings.Contains(apply.Error(), want) {
			t.Errorf("error string missing %q: %s", want, apply)
		}
	}
}
