package protocol

import (
	"errors"
	"fmt"
)

// Wire errors.
var (
	ErrProtocol = errors.New("malformed message")
)

// Registry errors.
var (
	ErrNotRegistered    = errors.New("name not registered")
	ErrDuplicateName    = errors.New("name already registered")
	ErrInvalidRole      = errors.New("invalid role")
	ErrCapacityExceeded = errors.New("registry capacity exceeded")
	ErrAddressInUse     = errors.New("address already in use")
)

// Planning errors.
var (
	ErrOwnerNotRegistered = errors.New("owner not registered")
	ErrNoAvailableStorage = errors.New("no available storage peers")
	ErrNotEnoughPeers     = errors.New("not enough storage peers")
	ErrPlanNotFound       = errors.New("backup plan not found")
	ErrNoBackupFound      = errors.New("no backup found")
	ErrUnknownTargetPeer  = errors.New("unknown target peer")
)

// Data-plane errors.
var (
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrChunkNotFound      = errors.New("chunk not found")
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	ErrStorageFailed      = errors.New("storage failed")
)

// Channel errors.
var (
	ErrTimeout   = errors.New("request timed out")
	ErrCancelled = errors.New("request cancelled")
)

// Reason tokens carried in denial and error replies.
const (
	ReasonMalformed           = "Malformed_Message"
	ReasonUnknownCommand      = "Unknown_Command"
	ReasonNotRegistered       = "Name_Not_Registered"
	ReasonDuplicateName       = "Name_Already_Registered"
	ReasonInvalidRole         = "Invalid_Role"
	ReasonCapacityExceeded    = "Capacity_Exceeded"
	ReasonAddressInUse        = "Address_In_Use"
	ReasonOwnerNotRegistered  = "Owner_Not_Registered"
	ReasonNoAvailableStorage  = "No_Available_Storage"
	ReasonNotEnoughPeers      = "Not_Enough_Peers"
	ReasonPlanNotFound        = "Plan_Not_Found"
	ReasonNoBackupFound       = "No_Backup_Found"
	ReasonUnknownTargetPeer   = "Unknown_Target_Peer"
	ReasonChecksumMismatch    = "Checksum_Mismatch"
	ReasonIncompleteData      = "Incomplete_Data"
	ReasonStorageFailed       = "Storage_Failed"
	ReasonChunkNotFound       = "Chunk_Not_Found"
	ReasonFinalChecksum       = "Final_Checksum_Mismatch"
	ReasonMismatchedChunkData = "Mismatched_CHUNK_DATA"
	ReasonMalformedHeader     = "Malformed_Header"
	ReasonInternal            = "Internal_Error"
)

var reasonByErr = []struct {
	err    error
	reason string
}{
	{ErrProtocol, ReasonMalformed},
	{ErrNotRegistered, ReasonNotRegistered},
	{ErrDuplicateName, ReasonDuplicateName},
	{ErrInvalidRole, ReasonInvalidRole},
	{ErrCapacityExceeded, ReasonCapacityExceeded},
	{ErrAddressInUse, ReasonAddressInUse},
	{ErrOwnerNotRegistered, ReasonOwnerNotRegistered},
	{ErrNoAvailableStorage, ReasonNoAvailableStorage},
	{ErrNotEnoughPeers, ReasonNotEnoughPeers},
	{ErrPlanNotFound, ReasonPlanNotFound},
	{ErrNoBackupFound, ReasonNoBackupFound},
	{ErrUnknownTargetPeer, ReasonUnknownTargetPeer},
	{ErrChecksumMismatch, ReasonChecksumMismatch},
	{ErrIncompleteTransfer, ReasonIncompleteData},
	{ErrStorageFailed, ReasonStorageFailed},
	{ErrChunkNotFound, ReasonChunkNotFound},
}

// ReasonFor maps an error to the reason token sent on the wire.
// Unknown errors map to ReasonInternal.
func ReasonFor(err error) string {
	for _, r := range reasonByErr {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}

// ErrorFor maps a reason token back to its sentinel error, or nil if unknown.
func ErrorFor(reason string) error {
	for _, r := range reasonByErr {
		if r.reason == reason {
			return r.err
		}
	}
	return nil
}

// ChunkNotFoundReason formats the restore failure reason for a missing chunk.
func ChunkNotFoundReason(chunkID int) string {
	return fmt.Sprintf("Chunk_%d_Not_Found", chunkID)
}

// NetworkErrorReason formats the restore failure reason for a transport error.
func NetworkErrorReason(chunkID int) string {
	return fmt.Sprintf("Network_Error_Chunk_%d", chunkID)
}

// InvalidResponseReason formats the restore failure reason for an unexpected reply.
func InvalidResponseReason(chunkID int) string {
	return fmt.Sprintf("Invalid_Response_For_Chunk_%d", chunkID)
}
