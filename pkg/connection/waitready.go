package connection

import (
	"context"
	"fmt"
	"time"
)

// DefaultReadyProbeTimeout bounds one probe of WaitReady.
const DefaultReadyProbeTimeout = 2 * time.Second

// Echoer is the part of the engine WaitReady needs.
type Echoer interface {
	Echo(ctx context.Context, msg string) (string, error)
}

// WaitReady echoes the device until it answers, sleeping b.Next() between
// attempts. It returns the last probe error wrapped with ctx.Err() when ctx
// ends first. b is reset on success.
func WaitReady(ctx context.Context, dev Echoer, b *Backoff) error {
	if b == nil {
		b = NewBackoff()
	}

	for {
		pctx, cancel := context.WithTimeout(ctx, DefaultReadyProbeTimeout)
		_, err := dev.Echo(pctx, "ready?")
		cancel()
		if err == nil {
			b.Reset()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: last probe: %v", ctx.Err(), err)
		case <-time.After(b.Next()):
		}
	}
}
