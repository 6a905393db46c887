// Package toolchain checks which platform tools are present on PATH.
package toolchain

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

const (
	// PlatformAndroid selects the Android toolchain.
	PlatformAndroid = "android"
	// PlatformIOS selects the iOS toolchain.
	PlatformIOS = "ios"

	// DefaultProxyBinary is the debug-server proxy used for physical iOS devices.
	DefaultProxyBinary = "idevicedebugserverproxy"
)

// Tool is one binary and whether it was found.
type Tool struct {
	Name  string
	Path  string
	Found bool
}

// Availability captures which toolchain binaries are present on PATH.
type Availability struct {
	Tools map[string]Tool
}

// Has reports whether binary was found.
func (a Availability) Has(binary string) bool {
	return a.Tools[binary].Found
}

// Sorted returns tools in deterministic name order.
func (a Availability) Sorted() []Tool {
	tools := make([]Tool, 0, len(a.Tools))
	for _, tool := range a.Tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Checker resolves binaries through an injectable lookPath.
type Checker struct {
	lookPath    func(file string) (string, error)
	proxyBinary string
}

// NewChecker returns a Checker backed by exec.LookPath. An empty proxyBinary
// selects DefaultProxyBinary.
func NewChecker(proxyBinary string) *Checker {
	return newChecker(exec.LookPath, proxyBinary)
}

func newChecker(lookPath func(file string) (string, error), proxyBinary string) *Checker {
	proxyBinary = strings.TrimSpace(proxyBinary)
	if proxyBinary == "" {
		proxyBinary = DefaultProxyBinary
	}
	return &Checker{lookPath: lookPath, proxyBinary: proxyBinary}
}

// Detect probes every known tool.
func (c *Checker) Detect() (Availability, error) {
	if c == nil || c.lookPath == nil {
		return Availability{}, errors.New("lookPath function is required")
	}
	binaries := []string{"adb", "npx", "xcrun", "xcodebuild", c.proxyBinary}
	availability := Availability{Tools: make(map[string]Tool, len(binaries))}
	for _, binary := range binaries {
		path, err := c.lookPath(binary)
		availability.Tools[binary] = Tool{Name: binary, Path: path, Found: err == nil}
	}
	return availability, nil
}

// Required lists the tools platform needs. device selects the
// physical-device flow for iOS.
func (c *Checker) Required(platform string, device bool) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case PlatformAndroid:
		return []string{"npx", "adb"}, nil
	case PlatformIOS:
		if device {
			return []string{"xcodebuild", "xcrun", c.proxyBinary}, nil
		}
		return []string{"npx", "xcrun"}, nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", platform)
	}
}

// Require fails fast when a tool needed for platform is missing.
func (c *Checker) Require(platform string, device bool) (Availability, error) {
	availability, err := c.Detect()
	if err != nil {
		return availability, err
	}
	required, err := c.Required(platform, device)
	if err != nil {
		return availability, err
	}

	var missing []string
	for _, binary := range required {
		if !availability.Has(binary) {
			missing = append(missing, binary)
		}
	}
	if len(missing) > 0 {
		return availability, fmt.Errorf("required dependency %s not found on PATH", strings.Join(missing, ", "))
	}
	return availability, nil
}
