package peer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tunnelmesh/p2pbackup/internal/protocol"
)

// RunHeartbeat sends a heartbeat every HeartbeatInterval until ctx is done or
// the coordinator no longer recognises this agent, in which case it returns
// protocol.ErrNotRegistered.
func (a *Agent) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := a.PerformHeartbeat(ctx)
			if errors.Is(err, protocol.ErrNotRegistered) {
				a.logger.Warn().Msg("coordinator no longer knows this peer, stopping heartbeats")
				return err
			}
			if err != nil && ctx.Err() == nil {
				a.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// PerformHeartbeat sends one HEARTBEAT carrying the local chunk count.
func (a *Agent) PerformHeartbeat(ctx context.Context) error {
	start := time.Now()
	reply, err := a.request(ctx, protocol.VerbHeartbeat,
		a.cfg.Name,
		strconv.Itoa(a.store.Count()),
		strconv.FormatInt(start.UnixMilli(), 10),
	)
	if err != nil {
		a.metrics.Heartbeats.WithLabelValues("error").Inc()
		return err
	}
	if err := expect(reply, protocol.VerbHeartbeat); err != nil {
		a.metrics.Heartbeats.WithLabelValues("error").Inc()
		return err
	}

	// HEARTBEAT name OK | HEARTBEAT name ERROR Client not found
	switch reply.Arg(1) {
	case protocol.StatusOK:
		rtt := time.Since(start)
		a.lastRTT.Store(int64(rtt))
		a.metrics.Heartbeats.WithLabelValues("ok").Inc()
		a.logger.Debug().Dur("rtt", rtt).Int("chunks", a.store.Count()).Msg("heartbeat acknowledged")
		return nil
	case protocol.StatusError:
		a.metrics.Heartbeats.WithLabelValues("rejected").Inc()
		a.registered.Store(false)
		return fmt.Errorf("heartbeat: %s: %w", reply.Tail(2), protocol.ErrNotRegistered)
	default:
		a.metrics.Heartbeats.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: heartbeat status %q", protocol.ErrProtocol, reply.Arg(1))
	}
}
