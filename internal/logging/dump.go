package logging

import (
	"github.com/sugawarayuuta/sonnet"
)

// DumpJSON marshals v with sonnet's encoding/json-compatible encoder and
// writes it through the logger at Debug level. It exists for the same
// reason the teacher's DebugQueueDetail did: printing a snapshot of shared
// ring/header state by hand during development, here generalized to any
// struct a caller wants to inspect (allocator header, queue header, a
// registry snapshot) instead of one hardcoded layout.
func (l *Logger) DumpJSON(label string, v interface{}) {
	if l.level > LevelDebug {
		return
	}
	b, err := sonnet.MarshalIndent(v, "", "  ")
	if err != nil {
		l.Warnf("DumpJSON(%s): marshal failed: %v", label, err)
		return
	}
	l.Debugf("%s:\n%s", label, string(b))
}
