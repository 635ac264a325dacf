// Package domain holds the core entities and ports of the evochora data
// pipeline: simulation runs, batch notifications, and the contracts that
// bind the topic engine, blob storage, and per-run repositories together.
package domain

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// runIDPattern matches <YYYYMMDDHHmmssSS>-<uuid>.
var runIDPattern = regexp.MustCompile(`^(\d{16})-([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)

// runIDTimeLayout is the timestamp prefix of a run id up to seconds; the
// last two digits of the prefix carry centiseconds.
const runIDTimeLayout = "20060102150405"

// NewRunID mints a run id from a start time and a uuid string.
func NewRunID(start time.Time, uid string) string {
	cs := start.Nanosecond() / int(10*time.Millisecond)
	return fmt.Sprintf("%s%02d-%s", start.UTC().Format(runIDTimeLayout), cs, uid)
}

// ParseRunIDTime extracts the start timestamp encoded in a run id.
// The timestamp comes from the id string itself, never from filesystem
// metadata, so run listing stays deterministic.
func ParseRunIDTime(runID string) (time.Time, error) {
	m := runIDPattern.FindStringSubmatch(runID)
	if m == nil {
		return time.Time{}, fmt.Errorf("op=domain.parse_run_id: %w: %q", ErrInvalidArgument, runID)
	}
	prefix := m[1]
	t, err := time.ParseInLocation(runIDTimeLayout, prefix[:14], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("op=domain.parse_run_id: %w", err)
	}
	cs := int(prefix[14]-'0')*10 + int(prefix[15]-'0')
	return t.Add(time.Duration(cs) * 10 * time.Millisecond), nil
}

// SchemaName maps a run id to its database schema: hyphens become
// underscores and the result is prefixed "sim_". All tables of a run live
// in exactly this schema and in no other.
func SchemaName(runID string) string {
	return "sim_" + strings.ReplaceAll(runID, "-", "_")
}

// ValidRunID reports whether runID has the canonical shape.
func ValidRunID(runID string) bool { return runIDPattern.MatchString(runID) }

// BatchInfo announces a persisted batch blob on the batch topic.
// Invariant: TickStart <= TickEnd; both bounds are inclusive.
type BatchInfo struct {
	SimulationRunID string
	StorageKey      string
	TickStart       int64
	TickEnd         int64
	WrittenAtMs     int64
}

// MetadataInfo announces the persisted run metadata blob.
type MetadataInfo struct {
	SimulationRunID string
	StorageKey      string
	WrittenAtMs     int64
}

// TickData is one tick worth of simulation state as carried in a batch
// blob. EnvironmentState is opaque to the pipeline; the environment
// indexer hands it to its repository unchanged.
type TickData struct {
	TickNumber       int64
	Organisms        []OrganismState
	EnvironmentState []byte
}

// OrganismState is the full per-organism runtime snapshot for one tick.
// Static fields (ParentID, BirthTick, ProgramID, InitialPosition) are
// written once into the organisms table; they never appear as columns of
// organism_states.
type OrganismState struct {
	OrganismID       int64
	ParentID         int64
	BirthTick        int64
	ProgramID        string
	InitialPosition  []int64
	Energy           int64
	IP               []int64
	DV               []int64
	DataPointers     [][]int64
	ActiveDPIndex    int32
	DataRegisters    [][]byte
	ProcRegisters    [][]byte
	FormalParams     [][]byte
	LocationRegs     [][]byte
	DataStack        [][]byte
	LocationStack    [][]byte
	CallStack        [][]byte
	InstrFailed      bool
	FailureReason    string
	FailureCallStack string
}

// SimulationMetadata is the per-run metadata blob written once at run start.
type SimulationMetadata struct {
	SimulationRunID string
	Dimensions      int32
	Shape           []int64
	Toroidal        []bool
	StartTimeMs     int64
	InitialSeed     int64
}

// AckToken identifies a claim for acknowledgement. ClaimVersion guards
// against acking a message that has since been reassigned.
type AckToken struct {
	RowID        int64
	ClaimVersion int32
}

// TopicMessage is a received message together with its ack token.
type TopicMessage struct {
	Token     AckToken
	MessageID string
	Timestamp int64
	TypeURL   string
	Payload   []byte
}

// Ports

// TopicPublisher appends payloads to a durable topic.
type TopicPublisher interface {
	Publish(ctx context.Context, typeURL string, payload []byte) error
}

// TopicReceiver consumes from a durable topic as one member of a
// consumer group. Receive returns (nil, nil) when the timeout elapses
// without a claimable message.
type TopicReceiver interface {
	Receive(ctx context.Context, timeout time.Duration) (*TopicMessage, error)
	Ack(ctx context.Context, msg *TopicMessage) error
}

// BlobStore reads and writes opaque payloads keyed by storage key and
// discovers runs by their id-encoded timestamps.
type BlobStore interface {
	WriteMessage(ctx context.Context, key string, payload []byte) error
	ReadMessage(ctx context.Context, key string) ([]byte, error)
	ListRunIDs(ctx context.Context, after time.Time) ([]string, error)
}

// MetadataRepository writes per-run metadata rows (MERGE on key).
type MetadataRepository interface {
	PrepareSchema(ctx context.Context, runID string) error
	UpsertMetadata(ctx context.Context, runID, key string, valueJSON []byte) error
}

// OrganismRepository writes static organism rows and per-tick state rows,
// both idempotently.
type OrganismRepository interface {
	PrepareSchema(ctx context.Context, runID string) error
	UpsertOrganisms(ctx context.Context, runID string, ticks []TickData) error
}

// EnvironmentRepository writes per-tick environment rows (MERGE on tick).
type EnvironmentRepository interface {
	PrepareSchema(ctx context.Context, runID string) error
	UpsertTicks(ctx context.Context, runID string, ticks []TickData) error
}

// BatchKey renders the canonical storage key of a batch blob:
// runId/batch_<start>_<end>.pb with tick bounds zero-padded to ten digits.
func BatchKey(runID string, tickStart, tickEnd int64) string {
	return fmt.Sprintf("%s/batch_%010d_%010d.pb", runID, tickStart, tickEnd)
}

// MetadataKey renders the storage key of the run metadata blob.
func MetadataKey(runID string) string { return runID + "/metadata.pb" }
