package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ship-commander/mlaunch/internal/launcherr"
	"github.com/ship-commander/mlaunch/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlistBundleIDResolverPrefersExplicitID(t *testing.T) {
	t.Parallel()

	starter := testutil.NewScriptStarter(nil)
	id, err := NewPlistBundleIDResolver(starter).ResolveBundleID(testutil.Context(t), Target{BundleID: " com.given.app "})
	require.NoError(t, err)
	assert.Equal(t, "com.given.app", id)
	assert.Empty(t, starter.Commands())
}

func TestPlistBundleIDResolverReadsPlist(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	starter := testutil.NewScriptStarter(map[string]string{"plutil": `echo com.example.app`})

	id, err := NewPlistBundleIDResolver(starter).ResolveBundleID(testutil.Context(t), Target{
		ProjectRoot: root,
		Scheme:      "Example",
	})
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", id)

	commands := starter.Commands()
	require.Len(t, commands, 1)
	args := commands[0].Args
	assert.Equal(t, filepath.Join(root, "ios", "Example", "Info.plist"), args[len(args)-1])
}

func TestPlistBundleIDResolverUsesAppPath(t *testing.T) {
	t.Parallel()

	starter := testutil.NewScriptStarter(map[string]string{"plutil": `echo com.example.built`})
	appPath := filepath.Join(t.TempDir(), "Example.app")

	id, err := NewPlistBundleIDResolver(starter).ResolveBundleID(testutil.Context(t), Target{AppPath: appPath, Scheme: "Ignored"})
	require.NoError(t, err)
	assert.Equal(t, "com.example.built", id)

	args := starter.Commands()[0].Args
	assert.Equal(t, filepath.Join(appPath, "Info.plist"), args[len(args)-1])
}

func TestPlistBundleIDResolverExpandsBuildSettings(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ios", "Example"), 0o755))
	starter := testutil.NewScriptStarter(map[string]string{
		"plutil": `printf '%s\n' '$(PRODUCT_BUNDLE_IDENTIFIER)'`,
		"xcodebuild": `echo "Build settings for action build and target Example:"
echo "    PRODUCT_BUNDLE_IDENTIFIER = org.example.expanded"
echo "    PRODUCT_NAME = Example"`,
	})

	id, err := NewPlistBundleIDResolver(starter).ResolveBundleID(testutil.Context(t), Target{
		ProjectRoot:   root,
		Scheme:        "Example",
		Configuration: "Release",
	})
	require.NoError(t, err)
	assert.Equal(t, "org.example.expanded", id)

	commands := starter.Commands()
	require.Len(t, commands, 2)
	assert.Equal(t, "xcodebuild", commands[1].Name)
	assert.Equal(t, []string{"-showBuildSettings", "-scheme", "Example", "-configuration", "Release"}, commands[1].Args)
	assert.Equal(t, filepath.Join(root, "ios"), commands[1].Dir)
}

func TestPlistBundleIDResolverFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		scripts map[string]string
		target  Target
		nested  bool
	}{
		{
			name:   "no plist location",
			target: Target{},
		},
		{
			name:    "plutil fails",
			scripts: map[string]string{"plutil": `echo "file does not exist" >&2; exit 1`},
			target:  Target{Scheme: "Example"},
			nested:  true,
		},
		{
			name:    "empty value",
			scripts: map[string]string{"plutil": `echo ""`},
			target:  Target{Scheme: "Example"},
		},
		{
			name: "unknown build setting",
			scripts: map[string]string{
				"plutil":     `printf '%s\n' '${MISSING_SETTING}'`,
				"xcodebuild": `echo "    PRODUCT_NAME = Example"`,
			},
			target: Target{Scheme: "Example"},
			nested: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resolver := NewPlistBundleIDResolver(testutil.NewScriptStarter(tt.scripts))
			_, err := resolver.ResolveBundleID(testutil.Context(t), tt.target)
			require.Error(t, err)

			var launchErr *launcherr.Error
			require.ErrorAs(t, err, &launchErr)
			assert.Equal(t, launcherr.IOSBundleIDUnresolved, launchErr.Kind)
			assert.Equal(t, tt.nested, launchErr.Nested())
		})
	}
}
