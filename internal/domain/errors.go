package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrIllegalState     = errors.New("illegal state")
	ErrDiscoveryTimeout = errors.New("discovery timeout")
	ErrStaleAck         = errors.New("stale ack rejected")
	ErrUnknownType      = errors.New("unknown payload type")
	ErrInternal         = errors.New("internal error")
)

// Error codes recorded on resources. Codes, not types: the same Go error
// may surface under different codes depending on the operation that hit it.
const (
	CodePublishFailed        = "PUBLISH_FAILED"
	CodeWriteFailed          = "WRITE_FAILED"
	CodeClaimFailed          = "CLAIM_FAILED"
	CodeAckFailed            = "ACK_FAILED"
	CodeAckLookupFailed      = "ACK_LOOKUP_FAILED"
	CodeReleaseClaimFailed   = "RELEASE_CLAIM_FAILED"
	CodeAckTxFailed          = "ACK_TRANSACTION_FAILED"
	CodeStaleAckRejected     = "STALE_ACK_REJECTED"
	CodeStuckReassigned      = "STUCK_MESSAGE_REASSIGNED"
	CodeDeserializationError = "DESERIALIZATION_ERROR"
	CodeUnknownType          = "UNKNOWN_TYPE"
	CodeSchemaSetupFailed    = "SCHEMA_SETUP_FAILED"
	CodeSetSchemaFailed      = "SET_SCHEMA_FAILED"
	CodeCreateSchemaFailed   = "CREATE_SCHEMA_FAILED"
	CodeInsertMetadataFailed = "INSERT_METADATA_FAILED"
	CodeDiscoveryTimeout     = "DISCOVERY_TIMEOUT"
	CodePoolCloseFailed      = "POOL_CLOSE_FAILED"
	CodeDelegateCloseFailed  = "DELEGATE_CLOSE_FAILED"
)
