package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/ship-commander/mlaunch/internal/procexec"
)

// ScriptStarter stands in for toolchain binaries. Each known command name
// runs its shell script instead; the original arguments are available to the
// script as "$@". Unknown names fail to start like a missing binary.
type ScriptStarter struct {
	spawner *procexec.Spawner
	scripts map[string]string

	mu       sync.Mutex
	commands []procexec.Command
}

// NewScriptStarter maps command names to shell scripts.
func NewScriptStarter(scripts map[string]string) *ScriptStarter {
	return &ScriptStarter{spawner: procexec.NewSpawner(), scripts: scripts}
}

// Start records command and runs its script with sh.
func (s *ScriptStarter) Start(ctx context.Context, command procexec.Command) (*procexec.Process, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	script, ok := s.scripts[command.Name]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("run %s: exec: %q: executable file not found in $PATH", command.Name, command.Name)
	}
	args := append([]string{"-c", script, command.Name}, command.Args...)
	return s.spawner.Start(ctx, procexec.Command{Name: "sh", Args: args, Dir: command.Dir, Env: command.Env})
}

// Commands returns every command started so far.
func (s *ScriptStarter) Commands() []procexec.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]procexec.Command(nil), s.commands...)
}

// Names returns the names of every command started so far.
func (s *ScriptStarter) Names() []string {
	commands := s.Commands()
	names := make([]string, 0, len(commands))
	for _, command := range commands {
		names = append(names, command.Name)
	}
	return names
}
