package proctor

import (
	"fmt"
	"strings"
	"time"

	"github.com/skillscreen/proctoring-service/internal/models"
)

// SignalKind identifies a deterministic environment-tamper event. These are
// platform events, not inference: a browser host maps DOM listeners onto
// them, a native host maps its toolkit's focus/clipboard hooks.
type SignalKind string

const (
	SignalVisibilityHidden SignalKind = "visibility_hidden"
	SignalWindowBlur       SignalKind = "window_blur"
	SignalCopy             SignalKind = "copy"
	SignalCut              SignalKind = "cut"
	SignalPaste            SignalKind = "paste"
	SignalContextMenu      SignalKind = "context_menu"
	SignalKeyDown          SignalKind = "key_down"
	SignalPointerLeave     SignalKind = "pointer_leave"
)

// Signal is one observed tamper event.
type Signal struct {
	Kind SignalKind

	// Key is the lowercased key name for SignalKeyDown ("printscreen",
	// "c", "v", "x", "s", ...).
	Key   string
	Ctrl  bool
	Meta  bool
	Shift bool

	// TextEntry is true when the focused control is a designated
	// text-entry field (answer editor, code editor). Clipboard activity
	// there is legitimate typing and must not be penalized.
	TextEntry bool

	At time.Time
}

// SignalSource emits tamper signals continuously; event-driven, not polled.
type SignalSource interface {
	Signals() <-chan Signal
}

// Candidate is a raw violation candidate produced by either monitor before
// the integrity engine has ruled on it.
type Candidate struct {
	Type     models.ViolationType
	Details  string
	Duration float64
	At       time.Time
}

// CandidateFor maps a signal to a violation candidate. The boolean is false
// when the signal is allowed — the one context-sensitive suppression rule is
// clipboard activity (events and C/V/X shortcuts) inside a designated
// text-entry field.
func CandidateFor(sig Signal) (Candidate, bool) {
	switch sig.Kind {
	case SignalVisibilityHidden:
		return Candidate{
			Type:    models.ViolationTabSwitch,
			Details: "Switched to another tab or minimized window",
			At:      sig.At,
		}, true
	case SignalWindowBlur:
		return Candidate{
			Type:    models.ViolationTabSwitch,
			Details: "Assessment window lost focus",
			At:      sig.At,
		}, true
	case SignalCopy, SignalCut, SignalPaste:
		if sig.TextEntry {
			return Candidate{}, false
		}
		verb := map[SignalKind]string{
			SignalCopy:  "Copy",
			SignalCut:   "Cut",
			SignalPaste: "Paste",
		}[sig.Kind]
		return Candidate{
			Type:    models.ViolationCopyPaste,
			Details: verb + " attempt detected",
			At:      sig.At,
		}, true
	case SignalContextMenu:
		return Candidate{
			Type:    models.ViolationRightClick,
			Details: "Right-click/context menu attempt detected",
			At:      sig.At,
		}, true
	case SignalPointerLeave:
		return Candidate{
			Type:    models.ViolationMouseLeave,
			Details: "Mouse left the assessment window",
			At:      sig.At,
		}, true
	case SignalKeyDown:
		return keyCandidate(sig)
	}
	return Candidate{}, false
}

func keyCandidate(sig Signal) (Candidate, bool) {
	key := strings.ToLower(sig.Key)

	if key == "printscreen" {
		return Candidate{
			Type:    models.ViolationScreenshotAttempt,
			Details: "Screenshot attempt (PrintScreen) detected",
			At:      sig.At,
		}, true
	}

	modifier := sig.Ctrl || sig.Meta
	if modifier && sig.Shift && key == "s" {
		return Candidate{
			Type:    models.ViolationScreenshotAttempt,
			Details: "Screenshot shortcut attempt detected",
			At:      sig.At,
		}, true
	}

	if modifier && (key == "c" || key == "v" || key == "x") {
		if sig.TextEntry {
			return Candidate{}, false
		}
		return Candidate{
			Type:    models.ViolationCopyPaste,
			Details: fmt.Sprintf("Keyboard shortcut Ctrl+%s detected outside input", strings.ToUpper(key)),
			At:      sig.At,
		}, true
	}

	return Candidate{}, false
}
