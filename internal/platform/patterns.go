package platform

import (
	"fmt"

	"github.com/ship-commander/mlaunch/internal/launcherr"
	"github.com/ship-commander/mlaunch/internal/verify"
)

// AndroidFailurePatterns are the signatures of a failed Android deploy, in
// match order.
func AndroidFailurePatterns() []verify.FailurePattern {
	return []verify.FailurePattern{
		verify.Literal("Failed to install on any devices", launcherr.AndroidFailedToInstall),
		verify.Literal("com.android.ddmlib.ShellCommandUnresponsiveException", launcherr.AndroidShellCommandTimedOut),
		verify.Literal("Android project not found", launcherr.AndroidProjectNotFound),
		verify.Literal("error: more than one device/emulator", launcherr.AndroidMoreThanOneDevice),
		verify.Regexp(`(?m)^Error: Activity class \{.*\} does not exist\.$`, launcherr.AndroidActivityNotFound),
		verify.Regexp(`Failure \[(INSTALL_FAILED_[A-Z_]+)\]`, launcherr.AndroidInstallFailed),
	}
}

// AndroidSuccessPatterns must all appear in the deploy command's stdout.
func AndroidSuccessPatterns() []string {
	return []string{"BUILD SUCCESSFUL", "Starting the app", "Starting: Intent"}
}

// IOSFailurePatterns are the signatures of a failed iOS build or simulator
// launch, in match order.
func IOSFailurePatterns() []verify.FailurePattern {
	return []verify.FailurePattern{
		verify.Literal("No devices are booted", launcherr.IOSNoBootedDevices),
		verify.Literal("FBSOpenApplicationErrorDomain", launcherr.IOSAppLaunchRejected),
		verify.Literal("** BUILD FAILED **", launcherr.IOSBuildFailed),
		verify.Literal("ineligible destinations", launcherr.IOSDestinationIneligible),
		verify.Regexp(`error: (.*)`, launcherr.IOSBuildError),
	}
}

// IOSBuildSuccessPatterns must appear in a device build's stdout.
func IOSBuildSuccessPatterns() []string {
	return []string{"BUILD SUCCEEDED"}
}

// SimulatorSuccessPatterns must all appear in the simulator deploy command's
// stdout once the application identified by bundleID is running.
func SimulatorSuccessPatterns(bundleID string) []string {
	return []string{"BUILD SUCCEEDED", fmt.Sprintf("Launching %s\n%s: ", bundleID, bundleID)}
}
