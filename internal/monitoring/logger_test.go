package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op logger
	SetLogger(nil)
	Logf("test message")
}

func TestTaggedPrefixesComponent(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})

	logf := Tagged("Recovery")
	logf("loss #%d", 2)
	if got != "[Recovery] loss #2" {
		t.Errorf("got %q, want %q", got, "[Recovery] loss #2")
	}
}

func TestTaggedFollowsLaterSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	logf := Tagged("Loader")

	count := 0
	SetLogger(func(string, ...interface{}) { count++ })
	logf("first")
	logf("second")
	if count != 2 {
		t.Errorf("expected 2 calls after SetLogger, got %d", count)
	}
}
