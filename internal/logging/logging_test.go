package logging

import "testing"

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		log, err := New("debug", format)
		if err != nil {
			t.Fatalf("format %q: %v", format, err)
		}
		log.Debug("hello")
	}
}

func TestNewRejectsUnknown(t *testing.T) {
	if _, err := New("loud", "json"); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("expected format error")
	}
}
