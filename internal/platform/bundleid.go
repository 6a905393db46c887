package platform

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ship-commander/mlaunch/internal/launcherr"
)

var (
	buildSettingReference = regexp.MustCompile(`^\$[({]([A-Za-z0-9_]+)(?::[^)}]*)?[)}]$`)
	buildSettingLine      = regexp.MustCompile(`(?m)^\s*([A-Z0-9_]+) = (.*)$`)
)

// BundleIDResolver finds the bundle identifier of the application built for
// target.
type BundleIDResolver interface {
	ResolveBundleID(ctx context.Context, target Target) (string, error)
}

// PlistBundleIDResolver reads CFBundleIdentifier from Info.plist with plutil.
// Values that reference a build setting are expanded with
// `xcodebuild -showBuildSettings`.
type PlistBundleIDResolver struct {
	base
}

// NewPlistBundleIDResolver builds a resolver that shells out through starter.
func NewPlistBundleIDResolver(starter Starter, options ...Option) *PlistBundleIDResolver {
	return &PlistBundleIDResolver{base: newBase(starter, options)}
}

// ResolveBundleID returns target.BundleID when set, otherwise the value from
// the target's Info.plist.
func (r *PlistBundleIDResolver) ResolveBundleID(ctx context.Context, target Target) (string, error) {
	if id := strings.TrimSpace(target.BundleID); id != "" {
		return id, nil
	}
	if err := r.validate(); err != nil {
		return "", err
	}

	plist := infoPlistPath(target)
	if plist == "" {
		return "", launcherr.New(launcherr.IOSBundleIDUnresolved, "an unknown Info.plist (set a scheme or app path)")
	}

	out, err := r.capture(ctx, buildCommand(
		[]string{"plutil", "-extract", "CFBundleIdentifier", "raw", "-o", "-"},
		target.ProjectRoot,
		plist,
	))
	if err != nil {
		return "", launcherr.Wrap(launcherr.IOSBundleIDUnresolved, err, plist)
	}
	value := strings.TrimSpace(out)

	reference := buildSettingReference.FindStringSubmatch(value)
	if reference == nil {
		if value == "" {
			return "", launcherr.New(launcherr.IOSBundleIDUnresolved, plist)
		}
		return value, nil
	}

	expanded, err := r.buildSetting(ctx, target, reference[1])
	if err != nil {
		return "", launcherr.Wrap(launcherr.IOSBundleIDUnresolved, err, plist)
	}
	r.logger.Debug("expanded bundle identifier", "setting", reference[1], "value", expanded)
	return expanded, nil
}

func (r *PlistBundleIDResolver) buildSetting(ctx context.Context, target Target, name string) (string, error) {
	args := []string{"-showBuildSettings"}
	if target.Scheme != "" {
		args = append(args, "-scheme", target.Scheme)
	}
	if target.Configuration != "" {
		args = append(args, "-configuration", target.Configuration)
	}
	dir := target.ProjectRoot
	if dir != "" {
		dir = filepath.Join(dir, "ios")
	}

	out, err := r.capture(ctx, buildCommand([]string{"xcodebuild"}, dir, args...))
	if err != nil {
		return "", err
	}
	for _, match := range buildSettingLine.FindAllStringSubmatch(out, -1) {
		if match[1] == name {
			if value := strings.TrimSpace(match[2]); value != "" {
				return value, nil
			}
		}
	}
	return "", fmt.Errorf("build setting %s not found", name)
}

func infoPlistPath(target Target) string {
	if target.AppPath != "" {
		return filepath.Join(target.AppPath, "Info.plist")
	}
	if target.Scheme != "" {
		return filepath.Join(target.ProjectRoot, "ios", target.Scheme, "Info.plist")
	}
	return ""
}
