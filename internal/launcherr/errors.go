// Package launcherr defines the classified error type shared by the device
// session, the output verifier and the platform drivers.
package launcherr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a stable numeric classification surfaced in user-visible messages.
type Kind int

// Session and verification kinds.
const (
	ConnectionFailure          Kind = 1301
	ProtocolError              Kind = 1302
	UnexpectedTermination      Kind = 1303
	LaunchTimedOut             Kind = 1304
	ProxyUnavailable           Kind = 1305
	IncompleteSuccessSignature Kind = 1401
)

// Android failure pattern kinds.
const (
	AndroidFailedToInstall      Kind = 1501
	AndroidShellCommandTimedOut Kind = 1502
	AndroidProjectNotFound      Kind = 1503
	AndroidMoreThanOneDevice    Kind = 1504
	AndroidActivityNotFound     Kind = 1505
	AndroidInstallFailed        Kind = 1506
)

// iOS failure pattern kinds.
const (
	IOSNoBootedDevices       Kind = 1601
	IOSAppLaunchRejected     Kind = 1602
	IOSBuildFailed           Kind = 1603
	IOSDestinationIneligible Kind = 1604
	IOSBuildError            Kind = 1605
	IOSBundleNotFound        Kind = 1606
	IOSInstallFailed         Kind = 1607
	IOSBundleIDUnresolved    Kind = 1608
)

type descriptor struct {
	name   string
	format string
}

var catalog = map[Kind]descriptor{
	ConnectionFailure:          {"connection_failure", "Unable to launch application"},
	ProtocolError:              {"protocol_error", "Unable to launch application"},
	UnexpectedTermination:      {"unexpected_termination", "Unable to launch application: the process exited before it started"},
	LaunchTimedOut:             {"launch_timed_out", "Launch timed out - is the device locked?"},
	ProxyUnavailable:           {"proxy_unavailable", "The debug server proxy is not available on %s"},
	IncompleteSuccessSignature: {"incomplete_success_signature", "Unable to verify that the %s application started. Check the %s output for details"},

	AndroidFailedToInstall:      {"android_failed_to_install", "Failed to install the application on any connected device"},
	AndroidShellCommandTimedOut: {"android_shell_command_timed_out", "An adb shell command stopped responding"},
	AndroidProjectNotFound:      {"android_project_not_found", "Android project not found"},
	AndroidMoreThanOneDevice:    {"android_more_than_one_device", "More than one Android device or emulator is connected; select a target"},
	AndroidActivityNotFound:     {"android_activity_not_found", "The main activity of the application could not be found"},
	AndroidInstallFailed:        {"android_install_failed", "Installation failed: %s"},

	IOSNoBootedDevices:       {"ios_no_booted_devices", "No iOS simulator is booted"},
	IOSAppLaunchRejected:     {"ios_app_launch_rejected", "The simulator refused to open the application"},
	IOSBuildFailed:           {"ios_build_failed", "The iOS build failed"},
	IOSDestinationIneligible: {"ios_destination_ineligible", "The requested build destination is not eligible"},
	IOSBuildError:            {"ios_build_error", "The iOS build reported errors:\n%s"},
	IOSBundleNotFound:        {"ios_bundle_not_found", "Built application bundle not found at %s"},
	IOSInstallFailed:         {"ios_install_failed", "Unable to install the application on device %s"},
	IOSBundleIDUnresolved:    {"ios_bundle_id_unresolved", "Unable to read the bundle identifier from %s"},
}

// Name returns the stable snake_case name of the kind.
func (k Kind) Name() string {
	if d, ok := catalog[k]; ok {
		return d.name
	}
	return fmt.Sprintf("kind_%d", int(k))
}

func (k Kind) String() string {
	return k.Name()
}

// KindByName resolves a kind from its stable name.
func KindByName(name string) (Kind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for kind, d := range catalog {
		if d.name == name {
			return kind, true
		}
	}
	return 0, false
}

// Error is a classified launch or verification failure. A non-nil Cause
// makes it a nested failure: the classified error wraps a distinct inner one.
type Error struct {
	Kind  Kind
	Args  []any
	Cause error
}

// New builds a classified error. Args fill the kind's message template.
func New(kind Kind, args ...any) *Error {
	return &Error{Kind: kind, Args: args}
}

// Wrap builds a nested failure whose message embeds the inner error's message.
func Wrap(kind Kind, cause error, args ...any) *Error {
	return &Error{Kind: kind, Args: args, Cause: cause}
}

// Message renders the kind's template without the code suffix or cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	d, ok := catalog[e.Kind]
	if !ok {
		if len(e.Args) > 0 {
			return fmt.Sprint(e.Args...)
		}
		return "launch failed"
	}
	placeholders := strings.Count(d.format, "%s")
	if placeholders == 0 {
		return d.format
	}
	args := make([]any, placeholders)
	for i := range args {
		if i < len(e.Args) {
			args[i] = e.Args[i]
		} else {
			args[i] = ""
		}
	}
	return fmt.Sprintf(d.format, args...)
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s (error code %d)", e.Message(), int(e.Kind))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the inner error of a nested failure.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

// Nested reports whether the error wraps an inner failure.
func (e *Error) Nested() bool {
	return e != nil && e.Cause != nil
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return 0, false
}

// UsageError marks an invalid invocation (bad flags, missing arguments).
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg
}

// Usage builds a usage error.
func Usage(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error to a process exit status:
// 0 for nil, 2 for usage errors, 3 for classified launch failures, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var usage *UsageError
	if errors.As(err, &usage) {
		return 2
	}
	if _, ok := KindOf(err); ok {
		return 3
	}
	return 1
}
