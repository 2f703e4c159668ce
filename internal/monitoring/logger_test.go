package monitoring

import (
	"fmt"
	"strings"
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

	// Setting nil must install a no-op rather than leave a nil func.
	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestPrefixedFollowsCurrentLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	logf := Prefixed("corners")

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	logf("found %d of %d", 19, 20)
	Warnf("intrinsics", "reprojection error %.2f px", 1.5)

	if len(got) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(got))
	}
	if got[0] != "[corners] found 19 of 20" {
		t.Errorf("prefixed line = %q", got[0])
	}
	if !strings.HasPrefix(got[1], "[intrinsics] WARNING: ") {
		t.Errorf("warning line = %q", got[1])
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()
	Logf("test message: %s", "value")
}
