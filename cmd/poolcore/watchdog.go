package main

import (
	"fmt"
	"os"

	"github.com/arna-oss/poolcore/internal/framing"
)

// feedbackFD is the fd the supervising watchdog hands the core its
// already-bound feedback-socket pair on (spec.md section 6).
const feedbackFD = 3

// watchdogFeedback speaks the startup/shutdown handshake of spec.md
// section 6 over fd 3, if present. When the process wasn't launched by a
// watchdog (fd 3 isn't open, the common case for `poolcore serve` run
// directly from a terminal), every method is a no-op.
type watchdogFeedback struct {
	f *os.File
}

func openWatchdogFeedback() *watchdogFeedback {
	f := os.NewFile(feedbackFD, "watchdog-feedback")
	if f == nil {
		return &watchdogFeedback{}
	}
	if _, err := f.Stat(); err != nil {
		return &watchdogFeedback{}
	}
	return &watchdogFeedback{f: f}
}

func (w *watchdogFeedback) active() bool { return w.f != nil }

// reportStarting announces the basic startup info message, the first of
// the handshake sequence.
func (w *watchdogFeedback) reportStarting(serverInstanceDir string, generation int) error {
	if !w.active() {
		return nil
	}
	return framing.WriteArrayMessage(w.f, nil, "Basic startup info", serverInstanceDir, fmt.Sprintf("%d", generation))
}

// reportAgentInfo announces one sub-agent's connection info, e.g.
// ["HelperAgent info", requestSocketPath, base64Password].
func (w *watchdogFeedback) reportAgentInfo(elems ...string) error {
	if !w.active() {
		return nil
	}
	return framing.WriteArrayMessage(w.f, nil, elems...)
}

// reportAllAgentsStarted completes the startup sequence.
func (w *watchdogFeedback) reportAllAgentsStarted() error {
	if !w.active() {
		return nil
	}
	return framing.WriteArrayMessage(w.f, nil, "All agents started")
}

// reportStartupError reports one of the documented startup failure
// messages and should be the last thing written before the process exits
// nonzero.
func (w *watchdogFeedback) reportStartupError(kind, msg string) error {
	if !w.active() {
		return nil
	}
	switch kind {
	case "system":
		return framing.WriteArrayMessage(w.f, nil, "system error", msg, "0")
	case "exec":
		return framing.WriteArrayMessage(w.f, nil, "exec error", msg)
	default:
		return framing.WriteArrayMessage(w.f, nil, "Watchdog startup error", msg)
	}
}

// waitForShutdownByte blocks reading a single byte off fd 3: 'c' means a
// clean shutdown was requested, 'u' or EOF means unclean. It returns
// clean=true only on an explicit 'c'.
func (w *watchdogFeedback) waitForShutdownByte() (clean bool) {
	if !w.active() {
		return false
	}
	buf := make([]byte, 1)
	n, err := w.f.Read(buf)
	if err != nil || n == 0 {
		return false
	}
	return buf[0] == 'c'
}

func (w *watchdogFeedback) close() {
	if w.active() {
		w.f.Close()
	}
}
