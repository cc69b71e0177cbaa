// Package audit records control-plane decisions of the coordinator: who
// joined or left, which backups were planned or refused, and how restores and
// replications ended.
package audit

import (
	"github.com/rs/zerolog"
)

// Results carried by every audit event.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultOK      = "ok"
	ResultFailed  = "failed"
)

// Removal causes for LogPeerRemoved.
const (
	CauseRequested = "requested"
	CauseFailure   = "failure"
)

// Logger provides structured audit logging for control-plane events.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing through logger with component=audit.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// Nop returns a logger that discards every event.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func levelFor(result string) zerolog.Level {
	if result == ResultDenied || result == ResultFailed {
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// LogRegistration logs a REGISTER decision.
// addr is the peer's control endpoint; reason is empty when allowed.
func (l *Logger) LogRegistration(peer, role, addr, result, reason string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "registration").
		Str("peer", peer).
		Str("role", role).
		Str("addr", addr).
		Str("result", result)
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("Registration event")
}

// LogPeerRemoved logs a peer leaving the registry, either on its own request
// or because the failure detector declared it dead.
func (l *Logger) LogPeerRemoved(peer, cause string) {
	level := zerolog.InfoLevel
	if cause == CauseFailure {
		level = zerolog.WarnLevel
	}
	l.logger.WithLevel(level).
		Str("event_type", "peer_removed").
		Str("peer", peer).
		Str("cause", cause).
		Msg("Peer removed")
}

// LogBackupPlan logs a BACKUP_REQ decision.
// chunks is the number of chunks planned; zero when denied.
func (l *Logger) LogBackupPlan(owner, file string, chunks int, result, reason string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "backup_plan").
		Str("owner", owner).
		Str("file", file).
		Str("result", result)
	if chunks > 0 {
		event = event.Int("chunks", chunks)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("Backup plan event")
}

// LogRestore logs a restore decision (allowed/denied) or an owner-reported
// outcome (ok/failed).
func (l *Logger) LogRestore(owner, file, result, reason string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "restore").
		Str("owner", owner).
		Str("file", file).
		Str("result", result)
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("Restore event")
}

// LogReplication logs a REPLICATE_REQ decision.
func (l *Logger) LogReplication(requester, file string, chunkID int, target, result, reason string) {
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "replication").
		Str("requester", requester).
		Str("file", file).
		Int("chunk", chunkID).
		Str("target", target).
		Str("result", result)
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("Replication event")
}
