package hostctl

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Noop logs actions instead of performing them. It is used when host
// control is disabled in the configuration.
type Noop struct {
	log zerolog.Logger
}

var _ Controller = (*Noop)(nil)

// NewNoop returns a Noop controller logging to log.
func NewNoop(log zerolog.Logger) *Noop {
	return &Noop{log: log.With().Str("component", "hostctl").Logger()}
}

// Execute logs the action that would have been taken.
func (n *Noop) Execute(_ context.Context, action Action, delay time.Duration) error {
	n.log.Warn().
		Str("action", string(action)).
		Dur("delay", delay).
		Msg("host control disabled, not performing power action")
	return nil
}

// Abort logs the abort request.
func (n *Noop) Abort(_ context.Context) error {
	n.log.Info().Msg("host control disabled, nothing to abort")
	return nil
}
