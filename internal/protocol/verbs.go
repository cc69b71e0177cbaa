// Package protocol defines the control-plane grammar shared by the coordinator and peers.
//
// Every control message is a single datagram of space separated tokens:
//
//	<VERB> <requestId> <arg1> <arg2> ...
//
// Direct replies echo the request id of the message they answer.
package protocol

// Control-plane request verbs.
const (
	VerbRegister      = "REGISTER"
	VerbDeregister    = "DE-REGISTER"
	VerbBackupReq     = "BACKUP_REQ"
	VerbBackupDone    = "BACKUP_DONE"
	VerbRestoreReq    = "RESTORE_REQ"
	VerbRestoreOK     = "RESTORE_OK"
	VerbRestoreFail   = "RESTORE_FAIL"
	VerbHeartbeat     = "HEARTBEAT"
	VerbReplicateReq  = "REPLICATE_REQ"
	VerbReplicateDone = "REPLICATE_DONE"
)

// Control-plane reply verbs.
const (
	VerbRegistered       = "REGISTERED"
	VerbDeregistered     = "DE-REGISTERED"
	VerbError            = "ERROR"
	VerbBackupPlan       = "BACKUP_PLAN"
	VerbBackupDenied     = "BACKUP-DENIED"
	VerbRestorePlan      = "RESTORE_PLAN"
	VerbRestoreDenied    = "RESTORE-DENIED"
	VerbRestoreConfirmed = "RESTORE_CONFIRMED"
	VerbRestoreFailed    = "RESTORE_FAILED"
	VerbReplicateAck     = "REPLICATE_ACK"
	VerbReplicateFail    = "REPLICATE_FAIL"
)

// Server-initiated pushes.
const (
	VerbStorageTask = "STORAGE_TASK"
	VerbStoreReq    = "STORE_REQ"
	VerbPeerInfo    = "PEER_INFO"
	VerbPeerRemoved = "PEER_REMOVED"
)

// Data-plane verbs used on chunk transfer streams.
const (
	VerbGetChunk       = "GET_CHUNK"
	VerbChunkData      = "CHUNK_DATA"
	VerbChunkOK        = "CHUNK_OK"
	VerbChunkError     = "CHUNK_ERROR"
	VerbReplicateChunk = "REPLICATE_CHUNK"
	VerbReplicateOK    = "REPLICATE_OK"
)

// Heartbeat reply status tokens.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// ClientNotFound is the trailing text of a heartbeat rejection.
const ClientNotFound = "Client not found"

// ChunkMissingMarker replaces the checksum field of CHUNK_DATA when the chunk is absent.
const ChunkMissingMarker = "ERROR"

var pushVerbs = map[string]bool{
	VerbStorageTask:  true,
	VerbStoreReq:     true,
	VerbPeerInfo:     true,
	VerbPeerRemoved:  true,
	VerbReplicateReq: true,
}

// IsPush reports whether verb names a server-initiated message that is never
// a reply to a pending request.
func IsPush(verb string) bool {
	return pushVerbs[verb]
}
