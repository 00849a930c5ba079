package observability

import (
	"bytes"
	"testing"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "unit test")
		panic("boom")
	}()

	entry := decodeEntry(t, &buf)
	if entry["panic"] != "boom" {
		t.Errorf("expected panic field, got %v", entry["panic"])
	}
	if entry["context"] != "unit test" {
		t.Errorf("expected context field, got %v", entry["context"])
	}
	if entry["stack"] == "" {
		t.Error("expected stack trace")
	}
}

func TestRecoverPanicWithCallback(t *testing.T) {
	var got any
	func() {
		defer RecoverPanicWithCallback(NopLogger(), "callback", func(r any) { got = r })
		panic(42)
	}()
	if got != 42 {
		t.Errorf("callback received %v", got)
	}

	called := false
	func() {
		defer RecoverPanicWithCallback(NopLogger(), "no panic", func(any) { called = true })
	}()
	if called {
		t.Error("callback ran without a panic")
	}
}
