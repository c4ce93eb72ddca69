package exec

import (
	"context"
	"sync"
)

// CommandCollector collects arguments to the Run method for later inspection
// in tests. Use Run as the RunFn passed to NewContext. Optionally, a
// delegate RunFn can be set to actually run (or fake) the command after
// collection.
//
//	mock := exec.CommandCollector{}
//	ctx := exec.NewContext(context.Background(), mock.Run)
//	err := doSomething(ctx)
//	require.NoError(t, err)
//	require.Equal(t, "git", mock.Commands()[0].Name)
type CommandCollector struct {
	mtx         sync.RWMutex
	commands    []*Command
	delegateRun RunFn
}

// Commands returns a copy of the commands collected so far.
func (c *CommandCollector) Commands() []*Command {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	result := make([]*Command, len(c.commands))
	copy(result, c.commands)
	return result
}

// ClearCommands resets the list of collected commands.
func (c *CommandCollector) ClearCommands() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.commands = nil
}

// SetDelegateRun sets a RunFn which is invoked for each collected command.
// If unset, collected commands succeed without running anything.
func (c *CommandCollector) SetDelegateRun(delegateRun RunFn) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.delegateRun = delegateRun
}

// Run collects command and delegates. Implements RunFn.
func (c *CommandCollector) Run(ctx context.Context, command *Command) error {
	c.mtx.Lock()
	c.commands = append(c.commands, command)
	delegateRun := c.delegateRun
	c.mtx.Unlock()
	if delegateRun == nil {
		return nil
	}
	return delegateRun(ctx, command)
}
