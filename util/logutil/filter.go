package logutil

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewFilter returns a hook that silences entries on the given levels
// whose message contains any of the phrases. Expected per-thread
// chatter (re-arm and pause interrupt failures on runtimes without
// interrupt support) would otherwise flood debug output.
func NewFilter(levels []logrus.Level, phrases ...string) logrus.Hook {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return &messageFilter{
		levels:  levels,
		phrases: phrases,
		discard: discard,
	}
}

type messageFilter struct {
	levels  []logrus.Level
	phrases []string

	// Redirect target for silenced entries. Hooks cannot drop an
	// entry, only reroute where it is written.
	discard *logrus.Logger
}

func (f *messageFilter) Levels() []logrus.Level {
	return f.levels
}

func (f *messageFilter) Fire(entry *logrus.Entry) error {
	for _, p := range f.phrases {
		if strings.Contains(entry.Message, p) {
			entry.Logger = f.discard
			return nil
		}
	}
	return nil
}
