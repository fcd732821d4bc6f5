// Package authsignal finds device-authorization hints (verification URLs and
// short user codes) in terminal output.
//
// Detection is chunk-local: a URL or code split across two output chunks is
// not recognized. This is a known limitation, not a bug.
package authsignal

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// DefaultCodePattern matches codes like "AB12-CD34".
const DefaultCodePattern = `\b[A-Za-z0-9]{4,6}-[A-Za-z0-9]{4,6}\b`

var urlPattern = regexp.MustCompile(`https?://\S+`)

// trailing punctuation that is almost never part of a printed URL
const urlTrailers = `.,;:!?'")]}>`

// Kind names the type of a detected signal.
type Kind string

const (
	KindURL  Kind = "url"
	KindCode Kind = "code"
)

// Signal is a single newly detected value.
type Signal struct {
	Type  Kind   `json:"type"`
	Value string `json:"value"`
}

// State holds the latest value seen for each kind. Nil means never seen.
type State struct {
	URL  *string `json:"url"`
	Code *string `json:"code"`
}

// Clone returns a copy that shares no pointers with s.
func (s State) Clone() State {
	var c State
	if s.URL != nil {
		v := *s.URL
		c.URL = &v
	}
	if s.Code != nil {
		v := *s.Code
		c.Code = &v
	}
	return c
}

// Detector scans text for URLs and device codes. It holds no per-session
// state and is safe for concurrent use.
type Detector struct {
	code *regexp.Regexp
}

// New compiles a detector. An empty codePattern selects DefaultCodePattern.
func New(codePattern string) (*Detector, error) {
	if codePattern == "" {
		codePattern = DefaultCodePattern
	}
	re, err := regexp.Compile(codePattern)
	if err != nil {
		return nil, fmt.Errorf("compile device code pattern: %w", err)
	}
	return &Detector{code: re}, nil
}

// Scan returns every URL and code in text, in order of kind then position.
func (d *Detector) Scan(text string) []Signal {
	plain := ansi.Strip(text)

	var out []Signal
	for _, m := range urlPattern.FindAllString(plain, -1) {
		u := strings.TrimRight(m, urlTrailers)
		if _, host, _ := strings.Cut(u, "://"); host == "" {
			continue
		}
		out = append(out, Signal{Type: KindURL, Value: u})
	}
	for _, m := range d.code.FindAllString(plain, -1) {
		out = append(out, Signal{Type: KindCode, Value: m})
	}
	return out
}

// Observe scans text and updates state in place. It returns only the signals
// whose value differs from what state held at that point, so repeats of the
// current value are suppressed.
func (d *Detector) Observe(state *State, text string) []Signal {
	var fresh []Signal
	for _, sig := range d.Scan(text) {
		slot := &state.URL
		if sig.Type == KindCode {
			slot = &state.Code
		}
		if *slot != nil && **slot == sig.Value {
			continue
		}
		v := sig.Value
		*slot = &v
		fresh = append(fresh, sig)
	}
	return fresh
}
