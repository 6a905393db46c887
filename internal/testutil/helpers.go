// Package testutil provides shared testing utilities for mlaunch packages.
//
// It contains common fixtures: temporary files, a recording event bus, a
// command starter that replays shell scripts, and a scripted debug-server
// proxy.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ship-commander/mlaunch/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Context returns a context canceled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750), "failed to create parent dir")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write file")
	return path
}

// Chdir changes to dir for the rest of the test.
// The original working directory is restored when the test completes.
func Chdir(t *testing.T, dir string) {
	t.Helper()
	original, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")

	err = os.Chdir(dir)
	require.NoError(t, err, "failed to change directory")

	t.Cleanup(func() {
		err := os.Chdir(original)
		assert.NoError(t, err, "failed to restore working directory")
	})
}

// RecordingBus captures published events in order.
type RecordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

// Publish records event.
func (b *RecordingBus) Publish(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

// Events returns a copy of everything published so far.
func (b *RecordingBus) Events() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]events.Event(nil), b.events...)
}

// Payloads returns the map payloads of events of eventType.
func (b *RecordingBus) Payloads(eventType string) []map[string]string {
	var payloads []map[string]string
	for _, event := range b.Events() {
		if event.Type != eventType {
			continue
		}
		if payload, ok := event.Payload.(map[string]string); ok {
			payloads = append(payloads, payload)
		}
	}
	return payloads
}
