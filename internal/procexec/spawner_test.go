package procexec

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordedSpawner(t *testing.T) (*Spawner, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	return NewSpawner(WithTracer(provider.Tracer("test"))), recorder
}

func awaitOutcome(t *testing.T, process *Process) error {
	t.Helper()
	select {
	case err := <-process.Outcome():
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
		return nil
	}
}

func readAll(t *testing.T, readers ...io.Reader) []string {
	t.Helper()
	out := make([]string, len(readers))
	var wg sync.WaitGroup
	for i, reader := range readers {
		wg.Add(1)
		go func(i int, reader io.Reader) {
			defer wg.Done()
			data, _ := io.ReadAll(reader)
			out[i] = string(data)
		}(i, reader)
	}
	wg.Wait()
	return out
}

func findToolExecSpan(t *testing.T, recorder *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range recorder.Ended() {
		if span.Name() == "tool.exec" {
			return span
		}
	}
	t.Fatal("tool.exec span not found")
	return nil
}

func getIntAttr(attrs []attribute.KeyValue, key string) (int64, bool) {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsInt64(), true
		}
	}
	return 0, false
}

func getStringAttr(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString(), true
		}
	}
	return "", false
}

func TestStartStreamsOutputAndReportsCleanExit(t *testing.T) {
	t.Parallel()

	spawner, recorder := newRecordedSpawner(t)
	process, err := spawner.Start(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, err)
	assert.Positive(t, process.PID())

	output := readAll(t, process.Stdout, process.Stderr)
	require.NoError(t, awaitOutcome(t, process))
	assert.Equal(t, "out\n", output[0])
	assert.Equal(t, "err\n", output[1])

	<-process.Exited()
	span := findToolExecSpan(t, recorder)
	assert.Equal(t, codes.Ok, span.Status().Code)
	exitCode, ok := getIntAttr(span.Attributes(), "exit_code")
	require.True(t, ok)
	assert.Equal(t, int64(0), exitCode)
	toolName, ok := getStringAttr(span.Attributes(), "tool_name")
	require.True(t, ok)
	assert.Equal(t, "sh", toolName)
}

func TestStartReportsNonZeroExit(t *testing.T) {
	t.Parallel()

	spawner, recorder := newRecordedSpawner(t)
	process, err := spawner.Start(context.Background(), Command{Name: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)

	readAll(t, process.Stdout, process.Stderr)
	outcome := awaitOutcome(t, process)
	require.Error(t, outcome)

	var exitErr *ExitError
	require.ErrorAs(t, outcome, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Error(), "exit status 3")

	<-process.Exited()
	span := findToolExecSpan(t, recorder)
	assert.Equal(t, codes.Error, span.Status().Code)
}

func TestStartFailsForMissingBinary(t *testing.T) {
	t.Parallel()

	spawner, recorder := newRecordedSpawner(t)
	_, err := spawner.Start(context.Background(), Command{Name: "mlaunch-definitely-missing-binary"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run mlaunch-definitely-missing-binary")

	span := findToolExecSpan(t, recorder)
	assert.Equal(t, codes.Error, span.Status().Code)
}

func TestStartRejectsEmptyCommand(t *testing.T) {
	t.Parallel()

	_, err := NewSpawner().Start(context.Background(), Command{Name: "  "})
	assert.Error(t, err)
}

func TestStartPassesEnvAndDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	process, err := NewSpawner().Start(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "printf '%s|%s' \"$MLAUNCH_TEST_VALUE\" \"$(pwd)\""},
		Dir:  dir,
		Env:  []string{"MLAUNCH_TEST_VALUE=hello"},
	})
	require.NoError(t, err)

	output := readAll(t, process.Stdout, process.Stderr)
	require.NoError(t, awaitOutcome(t, process))
	parts := strings.SplitN(output[0], "|", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "hello", parts[0])
	assert.True(t, strings.HasSuffix(parts[1], strings.TrimPrefix(dir, "/private")))
}

func TestStopTerminatesLongRunningProcess(t *testing.T) {
	t.Parallel()

	process, err := NewSpawner().Start(context.Background(), Command{Name: "sleep", Args: []string{"30"}})
	require.NoError(t, err)
	process.Drain(io.Discard)

	require.NoError(t, process.Stop())
	select {
	case <-process.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not stopped")
	}
	assert.Error(t, awaitOutcome(t, process))
	require.NoError(t, process.Stop())
}

func TestDrainCopiesBothStreams(t *testing.T) {
	t.Parallel()

	process, err := NewSpawner().Start(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo one; echo two 1>&2"},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var buf bytes.Buffer
	process.Drain(writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	}))
	require.NoError(t, awaitOutcome(t, process))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		text := buf.String()
		return strings.Contains(text, "one") && strings.Contains(text, "two")
	}, 2*time.Second, 10*time.Millisecond)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}

func TestRedactArgs(t *testing.T) {
	t.Parallel()

	got := redactArgs([]string{"--token", "abc", "PASSWORD=hunter2", "--scheme", "App"})
	assert.Equal(t, []string{"--token", "<redacted>", "PASSWORD=<redacted>", "--scheme", "App"}, got)
}

func TestFormatCommand(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "xcrun simctl list", FormatCommand(" xcrun ", []string{"simctl", "", "list"}))
	assert.Equal(t, "adb --auth <redacted>", Command{Name: "adb", Args: []string{"--auth", "x"}}.String())
}

func TestLimitedBufferMarksTruncation(t *testing.T) {
	t.Parallel()

	buffer := newLimitedBuffer(20)
	_, _ = buffer.Write([]byte(strings.Repeat("a", 30)))
	assert.Equal(t, "aaaaaa...[truncated]", buffer.String())

	short := newLimitedBuffer(20)
	_, _ = short.Write([]byte("abc"))
	assert.Equal(t, "abc", short.String())
}
