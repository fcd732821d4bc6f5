package authsignal

import (
	"testing"
)

func mustNew(t *testing.T, pattern string) *Detector {
	t.Helper()
	d, err := New(pattern)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func TestNew_InvalidPattern(t *testing.T) {
	if _, err := New("([unclosed"); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestScan_URLAndCode(t *testing.T) {
	d := mustNew(t, "")

	got := d.Scan("Visit https://example.com/device and enter code AB12-CD34")
	if len(got) != 2 {
		t.Fatalf("expected 2 signals, got %d: %+v", len(got), got)
	}
	if got[0] != (Signal{Type: KindURL, Value: "https://example.com/device"}) {
		t.Errorf("unexpected url signal %+v", got[0])
	}
	if got[1] != (Signal{Type: KindCode, Value: "AB12-CD34"}) {
		t.Errorf("unexpected code signal %+v", got[1])
	}
}

func TestScan_StripsANSIAndTrailingPunctuation(t *testing.T) {
	d := mustNew(t, "")

	got := d.Scan("open \x1b[1;34mhttps://example.com/activate\x1b[0m.\r\n")
	if len(got) != 1 {
		t.Fatalf("expected 1 signal, got %+v", got)
	}
	if got[0].Value != "https://example.com/activate" {
		t.Errorf("expected clean url, got %q", got[0].Value)
	}
}

func TestScan_IgnoresBareScheme(t *testing.T) {
	d := mustNew(t, "")
	if got := d.Scan("scheme is https://."); len(got) != 0 {
		t.Errorf("expected no signals, got %+v", got)
	}
}

func TestScan_CustomPattern(t *testing.T) {
	d := mustNew(t, `\b\d{3}-\d{3}\b`)

	got := d.Scan("code: 123-456, not AB12-CD34")
	if len(got) != 1 || got[0].Value != "123-456" {
		t.Errorf("expected only 123-456, got %+v", got)
	}
}

func TestObserve_RepeatedURLDetectedOnce(t *testing.T) {
	d := mustNew(t, "")
	var state State

	got := d.Observe(&state, "go to https://example.com/x then again https://example.com/x")
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 detection, got %d: %+v", len(got), got)
	}
	if state.URL == nil || *state.URL != "https://example.com/x" {
		t.Errorf("state not updated: %+v", state)
	}

	// Same value in a later chunk is suppressed too.
	if got := d.Observe(&state, "https://example.com/x"); len(got) != 0 {
		t.Errorf("expected repeat to be suppressed, got %+v", got)
	}
}

func TestObserve_ReplacesButNeverClears(t *testing.T) {
	d := mustNew(t, "")
	var state State

	d.Observe(&state, "code AAAA-BBBB")
	got := d.Observe(&state, "new code CCCC-DDDD")
	if len(got) != 1 || got[0].Value != "CCCC-DDDD" {
		t.Fatalf("expected new code, got %+v", got)
	}

	d.Observe(&state, "nothing interesting here")
	if state.Code == nil || *state.Code != "CCCC-DDDD" {
		t.Errorf("expected code to persist, got %+v", state.Code)
	}
	if state.URL != nil {
		t.Errorf("expected url to stay nil, got %q", *state.URL)
	}
}

func TestObserve_SplitAcrossChunksNotDetected(t *testing.T) {
	d := mustNew(t, "")
	var state State

	d.Observe(&state, "enter code AB12-")
	got := d.Observe(&state, "CD34 to continue")
	for _, sig := range got {
		if sig.Value == "AB12-CD34" {
			t.Errorf("did not expect cross-chunk detection")
		}
	}
}

func TestStateClone(t *testing.T) {
	u := "https://example.com"
	s := State{URL: &u}
	c := s.Clone()
	*c.URL = "changed"
	if *s.URL != "https://example.com" {
		t.Error("clone shares memory with original")
	}
	if c.Code != nil {
		t.Error("expected nil code in clone")
	}
}
