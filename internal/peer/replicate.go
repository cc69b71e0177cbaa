package peer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tunnelmesh/p2pbackup/internal/protocol"
)

// RequestReplication asks the coordinator to have the current holder of a
// chunk copy it to target.
func (a *Agent) RequestReplication(ctx context.Context, fileName string, chunkID int, target string) error {
	reply, err := a.request(ctx, protocol.VerbReplicateReq, fileName, strconv.Itoa(chunkID), target)
	if err != nil {
		return fmt.Errorf("replicate request: %w", err)
	}
	if err := expect(reply, protocol.VerbReplicateAck); err != nil {
		return fmt.Errorf("replicate %s chunk %d to %s: %w", fileName, chunkID, target, err)
	}
	a.logger.Info().Str("file", fileName).Int("chunk", chunkID).Str("target", target).Msg("replication accepted")
	return nil
}

// REPLICATE_REQ fileName chunkId target [targetIP targetTCP]
func (a *Agent) handleReplicateReq(msg *protocol.Message) {
	if err := msg.Expect(3); err != nil {
		a.logger.Warn().Err(err).Msg("bad REPLICATE_REQ")
		return
	}
	chunkID, err := msg.IntArg(1)
	if err != nil {
		a.logger.Warn().Err(err).Msg("bad REPLICATE_REQ")
		return
	}
	fileName, targetName := msg.Arg(0), msg.Arg(2)

	if err := a.replicate(a.ctx, msg, fileName, chunkID, targetName); err != nil {
		a.metrics.Replications.WithLabelValues("failed").Inc()
		a.logger.Error().Err(err).Str("file", fileName).Int("chunk", chunkID).Str("target", targetName).Msg("replication failed")
		return
	}
	a.metrics.Replications.WithLabelValues("ok").Inc()
}

func (a *Agent) replicate(ctx context.Context, msg *protocol.Message, fileName string, chunkID int, targetName string) error {
	target, ok := a.directory.Lookup(targetName)
	if len(msg.Args) >= 5 {
		port, err := msg.IntArg(4)
		if err != nil {
			return err
		}
		target, ok = protocol.PeerAddr{Name: targetName, Host: msg.Arg(3), Port: port}, true
	}
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownTargetPeer, targetName)
	}

	data, err := a.store.Get(fileName, chunkID)
	if err != nil {
		return err
	}
	if err := a.client.Replicate(ctx, target.Endpoint(), fileName, chunkID, data); err != nil {
		return err
	}
	a.logger.Info().Str("file", fileName).Int("chunk", chunkID).Str("target", target.String()).Msg("chunk replicated")

	reply, err := a.request(ctx, protocol.VerbReplicateDone, fileName, strconv.Itoa(chunkID), targetName)
	if err != nil {
		return fmt.Errorf("report REPLICATE_DONE: %w", err)
	}
	return expect(reply, protocol.VerbReplicateDone)
}
