package hostctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Runner executes an external program and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// ErrUnsupported is returned when the platform has no command for an action.
var ErrUnsupported = errors.New("not supported on this platform")

// commandSet describes how one operating system performs power actions.
// Each builder returns argv for the given delay.
type commandSet struct {
	actions map[Action]func(delay time.Duration) []string
	abort   []string
}

var platformCommands = map[string]commandSet{
	"linux": {
		actions: map[Action]func(time.Duration) []string{
			ActionPowerOff:  func(d time.Duration) []string { return []string{"shutdown", "-h", "+" + minutes(d)} },
			ActionHibernate: func(time.Duration) []string { return []string{"systemctl", "hibernate"} },
			ActionSuspend:   func(time.Duration) []string { return []string{"systemctl", "suspend"} },
		},
		abort: []string{"shutdown", "-c"},
	},
	"darwin": {
		actions: map[Action]func(time.Duration) []string{
			ActionPowerOff: func(d time.Duration) []string { return []string{"shutdown", "-h", "+" + minutes(d)} },
			ActionSuspend:  func(time.Duration) []string { return []string{"pmset", "sleepnow"} },
		},
	},
	"windows": {
		actions: map[Action]func(time.Duration) []string{
			ActionPowerOff:  func(d time.Duration) []string { return []string{"shutdown", "/s", "/t", seconds(d)} },
			ActionHibernate: func(time.Duration) []string { return []string{"shutdown", "/h"} },
			ActionSuspend:   func(time.Duration) []string { return []string{"rundll32.exe", "powrprof.dll,SetSuspendState", "0,1,0"} },
		},
		abort: []string{"shutdown", "/a"},
	},
}

// minutes rounds d up to whole minutes, as shutdown(8) only takes minutes.
func minutes(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.FormatInt(int64((d+time.Minute-1)/time.Minute), 10)
}

func seconds(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.FormatInt(int64(d/time.Second), 10)
}

// CommandController performs power actions by running the operating
// system's own tools.
type CommandController struct {
	goos string
	run  Runner
	log  zerolog.Logger
}

var _ Controller = (*CommandController)(nil)

// NewCommandController returns a controller for the running platform. A nil
// run uses ExecRunner.
func NewCommandController(run Runner, log zerolog.Logger) *CommandController {
	return newCommandController(runtime.GOOS, run, log)
}

func newCommandController(goos string, run Runner, log zerolog.Logger) *CommandController {
	if run == nil {
		run = ExecRunner
	}
	return &CommandController{
		goos: goos,
		run:  run,
		log:  log.With().Str("component", "hostctl").Logger(),
	}
}

// Execute runs the platform command for action.
func (c *CommandController) Execute(ctx context.Context, action Action, delay time.Duration) error {
	set, ok := platformCommands[c.goos]
	if !ok {
		return fmt.Errorf("%s: %w (%s)", action, ErrUnsupported, c.goos)
	}
	build, ok := set.actions[action]
	if !ok {
		return fmt.Errorf("%s: %w (%s)", action, ErrUnsupported, c.goos)
	}
	argv := build(delay)

	c.log.Warn().
		Str("action", string(action)).
		Dur("delay", delay).
		Str("command", strings.Join(argv, " ")).
		Msg("executing host power action")

	if out, err := c.run(ctx, argv[0], argv[1:]...); err != nil {
		return fmt.Errorf("%s: %s: %w: %s", action, argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Abort cancels a scheduled shutdown.
func (c *CommandController) Abort(ctx context.Context) error {
	set, ok := platformCommands[c.goos]
	if !ok || len(set.abort) == 0 {
		return fmt.Errorf("abort: %w (%s)", ErrUnsupported, c.goos)
	}
	c.log.Info().Str("command", strings.Join(set.abort, " ")).Msg("aborting host power action")
	if out, err := c.run(ctx, set.abort[0], set.abort[1:]...); err != nil {
		return fmt.Errorf("abort: %s: %w: %s", set.abort[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
