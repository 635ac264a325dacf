package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/wire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := wire.MarshalBatchInfo(domain.BatchInfo{
		SimulationRunID: "run-1",
		StorageKey:      "run-1/batch_0000000000_0000000100.pb",
		TickStart:       0,
		TickEnd:         100,
		WrittenAtMs:     1760443200000,
	})
	env := wire.NewEnvelope(wire.TypeBatchInfo, payload)
	require.NotEmpty(t, env.MessageID)
	require.Positive(t, env.Timestamp)

	got, err := wire.UnmarshalEnvelope(env.Marshal())
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, got.MessageID)
	assert.Equal(t, env.Timestamp, got.Timestamp)
	assert.Equal(t, "type.googleapis.com/"+wire.TypeBatchInfo, got.TypeURL)
	assert.Equal(t, payload, got.Payload)
}

func TestBatchInfoRoundTrip(t *testing.T) {
	in := domain.BatchInfo{
		SimulationRunID: "2025101412300550-0d8fbd14-9f2a-4f6e-9f31-4a4c0b1d2e3f",
		StorageKey:      domain.BatchKey("run", 100, 200),
		TickStart:       100,
		TickEnd:         200,
		WrittenAtMs:     1760443200123,
	}
	out, err := wire.UnmarshalBatchInfo(wire.MarshalBatchInfo(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestBatchInfo_RejectsInvertedRange(t *testing.T) {
	_, err := wire.UnmarshalBatchInfo(wire.MarshalBatchInfo(domain.BatchInfo{TickStart: 5, TickEnd: 5}))
	require.NoError(t, err)

	_, err = wire.UnmarshalBatchInfo(wire.MarshalBatchInfo(domain.BatchInfo{TickStart: 10, TickEnd: 5}))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestMetadataInfoRoundTrip(t *testing.T) {
	in := domain.MetadataInfo{
		SimulationRunID: "run-1",
		StorageKey:      "run-1/metadata.pb",
		WrittenAtMs:     42,
	}
	out, err := wire.UnmarshalMetadataInfo(wire.MarshalMetadataInfo(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSimulationMetadataRoundTrip(t *testing.T) {
	in := domain.SimulationMetadata{
		SimulationRunID: "run-1",
		Dimensions:      2,
		Shape:           []int64{120, 80},
		Toroidal:        []bool{true, false},
		StartTimeMs:     1760443200000,
		InitialSeed:     987654321,
	}
	out, err := wire.UnmarshalSimulationMetadata(wire.MarshalSimulationMetadata(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTickDataBatchRoundTrip(t *testing.T) {
	org := domain.OrganismState{
		OrganismID:      7,
		ParentID:        3,
		BirthTick:       10,
		ProgramID:       "prog-a",
		InitialPosition: []int64{4, 5},
		Energy:          1500,
		IP:              []int64{12, 34},
		DV:              []int64{1, 0},
		DataPointers:    [][]int64{{0, 0}, {9, 9}},
		ActiveDPIndex:   1,
		DataRegisters:   [][]byte{{0x01}, {0x02, 0x03}},
		ProcRegisters:   [][]byte{{0x04}},
		FormalParams:    [][]byte{{0x05}},
		LocationRegs:    [][]byte{{0x06}},
		DataStack:       [][]byte{{0x07}, {}},
		LocationStack:   [][]byte{{0x08}},
		CallStack:       [][]byte{{0x09}},
		InstrFailed:     true,
		FailureReason:   "TURN: non-unit vector",
		FailureCallStack: "main>turn",
	}
	in := []domain.TickData{
		{TickNumber: 10, Organisms: []domain.OrganismState{org}, EnvironmentState: []byte{0xAA, 0xBB}},
		{TickNumber: 11},
	}
	out, err := wire.UnmarshalTickDataBatch(wire.MarshalTickDataBatch(in))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in[0].TickNumber, out[0].TickNumber)
	assert.Equal(t, in[0].EnvironmentState, out[0].EnvironmentState)
	require.Len(t, out[0].Organisms, 1)
	got := out[0].Organisms[0]
	assert.Equal(t, org.OrganismID, got.OrganismID)
	assert.Equal(t, org.DataPointers, got.DataPointers)
	assert.Equal(t, org.DataRegisters, got.DataRegisters)
	assert.Equal(t, org.DataStack, got.DataStack)
	assert.Equal(t, org.InstrFailed, got.InstrFailed)
	assert.Equal(t, org.FailureReason, got.FailureReason)
	assert.Equal(t, int64(11), out[1].TickNumber)
	assert.Empty(t, out[1].Organisms)
}

func TestRegistry_DecodeByAnyPrefix(t *testing.T) {
	reg := wire.NewRegistry()
	payload := wire.MarshalBatchInfo(domain.BatchInfo{SimulationRunID: "r", TickStart: 1, TickEnd: 2})

	for _, url := range []string{
		"type.googleapis.com/" + wire.TypeBatchInfo,
		"example.org/" + wire.TypeBatchInfo,
		wire.TypeBatchInfo,
	} {
		v, err := reg.Decode(url, payload)
		require.NoError(t, err, "url=%s", url)
		bi, ok := v.(domain.BatchInfo)
		require.True(t, ok)
		assert.Equal(t, "r", bi.SimulationRunID)
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	reg := wire.NewRegistry()
	_, err := reg.Decode("type.googleapis.com/evochora.pipeline.Nope", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownType)
}
