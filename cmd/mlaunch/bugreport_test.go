package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunBugReportCreatesArchiveWithRedactedConfigAndArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	fixture := setupBugreportFixture(t)

	var out bytes.Buffer
	if err := runBugReport(context.Background(), &out, fixture.catalog, "Toolchain\n✓ adb"); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}
	output := strings.TrimSpace(out.String())
	if !strings.Contains(output, "Bug report written to:") {
		t.Fatalf("unexpected output: %q", output)
	}

	archivePath := filepath.Join(fixture.cwd, "mlaunch-bugreport-20260211-100000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)

	assertBugreportCoreArtifacts(t, contents)

	logCount := 0
	for name := range contents {
		if strings.HasPrefix(name, "logs/") {
			logCount++
		}
	}
	if logCount != 3 {
		t.Fatalf("log file count = %d, want 3 most recent logs", logCount)
	}
	if _, ok := contents["logs/mlaunch-20260211-090000-run-0.log"]; ok {
		t.Fatal("oldest log should not be archived")
	}

	userConfig := contents["config-user.toml"]
	if strings.Contains(userConfig, "supersecret") || strings.Contains(userConfig, "pass123") {
		t.Fatalf("config should be redacted: %q", userConfig)
	}
	if !strings.Contains(userConfig, "***REDACTED***") || !strings.Contains(userConfig, "proxy_port = 2345") {
		t.Fatalf("unexpected redacted config: %q", userConfig)
	}
	if !strings.Contains(contents["last-run.txt"], "run-123") || !strings.Contains(contents["last-run.txt"], "trace-abc") {
		t.Fatalf("missing run/trace IDs: %q", contents["last-run.txt"])
	}
	if !strings.Contains(contents["patterns.yaml"], "INSTALL_FAILED") {
		t.Fatalf("pattern catalog not archived: %q", contents["patterns.yaml"])
	}
	if !strings.Contains(contents["toolchain.txt"], "adb") {
		t.Fatalf("toolchain report not archived: %q", contents["toolchain.txt"])
	}
	if !strings.Contains(contents["git-state.txt"], "deadbeef") {
		t.Fatalf("git state missing HEAD: %q", contents["git-state.txt"])
	}
}

func TestRunBugReportHandlesMissingOptionalArtifacts(t *testing.T) {
	restore := snapshotBugreportHooks()
	defer restore()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	if err := os.MkdirAll(home, 0o750); err != nil {
		t.Fatalf("create home: %v", err)
	}
	if err := os.MkdirAll(cwd, 0o750); err != nil {
		t.Fatalf("create cwd: %v", err)
	}

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC) }
	bugreportRunCmdFn = func(context.Context, string, ...string) ([]byte, error) { return []byte(""), nil }

	var out bytes.Buffer
	if err := runBugReport(context.Background(), &out, filepath.Join(home, "missing.yaml"), ""); err != nil {
		t.Fatalf("run bugreport: %v", err)
	}

	archivePath := filepath.Join(cwd, "mlaunch-bugreport-20260211-110000.tar.gz")
	contents := extractTarballTextFiles(t, archivePath)
	readme := contents["README.txt"]
	if !strings.Contains(readme, "no run_id/trace_id found in copied logs") {
		t.Fatalf("readme should include missing correlation warning: %q", readme)
	}
	if !strings.Contains(readme, "unable to read pattern catalog") {
		t.Fatalf("readme should include missing catalog warning: %q", readme)
	}
	if !strings.Contains(contents["config-project.toml"], "config unavailable") {
		t.Fatalf("expected config placeholder, got: %q", contents["config-project.toml"])
	}
	if _, ok := contents["patterns.yaml"]; ok {
		t.Fatal("missing catalog should not produce patterns.yaml")
	}
}

func TestRedactSensitiveConfig(t *testing.T) {
	input := "api_key = \"abc\"\n[signing]\nkeystore_password = \"def\"\nproxy_host = \"127.0.0.1\"\n# token = comment\n"
	got := redactSensitiveConfig(input)
	if strings.Contains(got, "abc") || strings.Contains(got, "def") {
		t.Fatalf("expected sensitive values to be redacted: %q", got)
	}
	if strings.Count(got, "***REDACTED***") != 2 {
		t.Fatalf("expected two redactions, got %q", got)
	}
	if !strings.Contains(got, "127.0.0.1") || !strings.Contains(got, "# token = comment") {
		t.Fatalf("non-sensitive lines changed: %q", got)
	}
}

func snapshotBugreportHooks() func() {
	prevNow := bugreportNowFn
	prevHomeDir := bugreportHomeDirFn
	prevGetwd := bugreportGetwdFn
	prevRunCmd := bugreportRunCmdFn
	return func() {
		bugreportNowFn = prevNow
		bugreportHomeDirFn = prevHomeDir
		bugreportGetwdFn = prevGetwd
		bugreportRunCmdFn = prevRunCmd
	}
}

func extractTarballTextFiles(t *testing.T, archivePath string) map[string]string {
	t.Helper()

	// #nosec G304 -- archivePath is generated in the test-owned temp directory.
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		t.Fatalf("create gzip reader: %v", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	files := make(map[string]string)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar entry: %v", err)
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			t.Fatalf("read tar entry %s: %v", header.Name, err)
		}
		files[header.Name] = string(data)
	}
	if len(files) == 0 {
		t.Fatalf("archive %s is empty", archivePath)
	}
	return files
}

type bugreportFixture struct {
	home    string
	cwd     string
	catalog string
}

func setupBugreportFixture(t *testing.T) bugreportFixture {
	t.Helper()

	home := filepath.Join(t.TempDir(), "home")
	cwd := filepath.Join(t.TempDir(), "cwd")
	if err := os.MkdirAll(filepath.Join(home, ".mlaunch", "logs"), 0o750); err != nil {
		t.Fatalf("create logs dir: %v", err)
	}
	if err := os.MkdirAll(cwd, 0o750); err != nil {
		t.Fatalf("create cwd: %v", err)
	}

	writeBugreportLog(t, home, "mlaunch-20260211-090000-run-0.log", `{"msg":"oldest"}`)
	writeBugreportLog(t, home, "mlaunch-20260211-091000-run-1.log", `{"msg":"older"}`)
	writeBugreportLog(t, home, "mlaunch-20260211-092000-run-123.log", `{"msg":"newer","run_id":"run-123","trace_id":"trace-abc"}`)
	writeBugreportLog(t, home, "mlaunch-20260211-093000-run-3.log", `{"msg":"newest"}`)

	configText := "api_key = \"supersecret\"\npassword = \"pass123\"\nproxy_port = 2345\n"
	if err := os.WriteFile(filepath.Join(home, ".mlaunch", "config.toml"), []byte(configText), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	catalog := filepath.Join(home, "patterns.yaml")
	catalogText := "android:\n  failure:\n    - regexp: 'INSTALL_FAILED_[A-Z_]+'\n      kind: android_install_failed\n"
	if err := os.WriteFile(catalog, []byte(catalogText), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	bugreportHomeDirFn = func() (string, error) { return home, nil }
	bugreportGetwdFn = func() (string, error) { return cwd, nil }
	bugreportNowFn = func() time.Time { return time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC) }
	bugreportRunCmdFn = stubBugreportGitCommands

	return bugreportFixture{home: home, cwd: cwd, catalog: catalog}
}

func writeBugreportLog(t *testing.T, home, name, content string) {
	t.Helper()

	path := filepath.Join(home, ".mlaunch", "logs", name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write log %s: %v", name, err)
	}
}

func stubBugreportGitCommands(_ context.Context, name string, args ...string) ([]byte, error) {
	joined := name + " " + strings.Join(args, " ")
	switch {
	case strings.Contains(joined, "rev-parse HEAD"):
		return []byte("deadbeef\n"), nil
	case strings.Contains(joined, "rev-parse --abbrev-ref HEAD"):
		return []byte("main\n"), nil
	case strings.Contains(joined, "status --short"):
		return []byte(" M ios/Example/Info.plist\n"), nil
	default:
		return []byte(""), nil
	}
}

func assertBugreportCoreArtifacts(t *testing.T, contents map[string]string) {
	t.Helper()

	required := []string{
		"README.txt",
		"config-user.toml",
		"config-project.toml",
		"version.txt",
		"last-run.txt",
		"git-state.txt",
		"toolchain.txt",
	}
	for _, path := range required {
		if _, ok := contents[path]; !ok {
			t.Fatalf("missing artifact %q in bugreport archive", path)
		}
	}
}
