package wire

// Message layouts (proto3):
//
//	BatchInfo          { 1:simulation_run_id 2:storage_key 3:tick_start 4:tick_end 5:written_at_ms }
//	MetadataInfo       { 1:simulation_run_id 2:storage_key 3:written_at_ms }
//	SimulationMetadata { 1:simulation_run_id 2:Environment 3:start_time_ms 4:initial_seed }
//	Environment        { 1:dimensions 2:shape(packed) 3:toroidal(packed) }
//	TickDataBatch      { 1:repeated TickData }
//	TickData           { 1:tick_number 2:repeated OrganismState 3:environment_state }
//	Vector             { 1:values(packed) }
//	OrganismState      { 1:organism_id 2:parent_id 3:birth_tick 4:program_id 5:energy
//	                     6:ip(Vector) 7:dv(Vector) 8:repeated data_pointers(Vector)
//	                     9:active_dp_index 10..16:repeated bytes register banks and stacks
//	                     17:instruction_failed 18:failure_reason 19:failure_call_stack
//	                     20:initial_position(Vector) }

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// Fully-qualified message names used in envelope type URLs.
const (
	TypeBatchInfo          = "evochora.pipeline.BatchInfo"
	TypeMetadataInfo       = "evochora.pipeline.MetadataInfo"
	TypeSimulationMetadata = "evochora.pipeline.SimulationMetadata"
	TypeTickDataBatch      = "evochora.pipeline.TickDataBatch"
)

// MarshalBatchInfo encodes a BatchInfo message.
func MarshalBatchInfo(m domain.BatchInfo) []byte {
	var b []byte
	b = appendString(b, 1, m.SimulationRunID)
	b = appendString(b, 2, m.StorageKey)
	b = appendInt64(b, 3, m.TickStart)
	b = appendInt64(b, 4, m.TickEnd)
	b = appendInt64(b, 5, m.WrittenAtMs)
	return b
}

// UnmarshalBatchInfo decodes a BatchInfo message.
func UnmarshalBatchInfo(b []byte) (domain.BatchInfo, error) {
	var m domain.BatchInfo
	err := forEachField(b, func(f field) error {
		switch f.num {
		case 1:
			m.SimulationRunID = string(f.bytes)
		case 2:
			m.StorageKey = string(f.bytes)
		case 3:
			m.TickStart = int64(f.varint)
		case 4:
			m.TickEnd = int64(f.varint)
		case 5:
			m.WrittenAtMs = int64(f.varint)
		}
		return nil
	})
	if err != nil {
		return domain.BatchInfo{}, err
	}
	if m.TickStart > m.TickEnd {
		return domain.BatchInfo{}, fmt.Errorf("op=wire.batch_info: %w: tick_start %d > tick_end %d", domain.ErrInvalidArgument, m.TickStart, m.TickEnd)
	}
	return m, nil
}

// MarshalMetadataInfo encodes a MetadataInfo message.
func MarshalMetadataInfo(m domain.MetadataInfo) []byte {
	var b []byte
	b = appendString(b, 1, m.SimulationRunID)
	b = appendString(b, 2, m.StorageKey)
	b = appendInt64(b, 3, m.WrittenAtMs)
	return b
}

// UnmarshalMetadataInfo decodes a MetadataInfo message.
func UnmarshalMetadataInfo(b []byte) (domain.MetadataInfo, error) {
	var m domain.MetadataInfo
	err := forEachField(b, func(f field) error {
		switch f.num {
		case 1:
			m.SimulationRunID = string(f.bytes)
		case 2:
			m.StorageKey = string(f.bytes)
		case 3:
			m.WrittenAtMs = int64(f.varint)
		}
		return nil
	})
	return m, err
}

// MarshalSimulationMetadata encodes a SimulationMetadata message.
func MarshalSimulationMetadata(m domain.SimulationMetadata) []byte {
	var env []byte
	env = appendInt32(env, 1, m.Dimensions)
	env = appendPackedInt64(env, 2, m.Shape)
	env = appendPackedBool(env, 3, m.Toroidal)

	var b []byte
	b = appendString(b, 1, m.SimulationRunID)
	b = appendBytes(b, 2, env)
	b = appendInt64(b, 3, m.StartTimeMs)
	b = appendInt64(b, 4, m.InitialSeed)
	return b
}

// UnmarshalSimulationMetadata decodes a SimulationMetadata message.
func UnmarshalSimulationMetadata(b []byte) (domain.SimulationMetadata, error) {
	var m domain.SimulationMetadata
	err := forEachField(b, func(f field) error {
		switch f.num {
		case 1:
			m.SimulationRunID = string(f.bytes)
		case 2:
			return forEachField(f.bytes, func(ef field) error {
				switch ef.num {
				case 1:
					m.Dimensions = int32(ef.varint)
				case 2:
					vs, err := consumePackedInt64(ef)
					if err != nil {
						return err
					}
					m.Shape = append(m.Shape, vs...)
				case 3:
					vs, err := consumePackedBool(ef)
					if err != nil {
						return err
					}
					m.Toroidal = append(m.Toroidal, vs...)
				}
				return nil
			})
		case 3:
			m.StartTimeMs = int64(f.varint)
		case 4:
			m.InitialSeed = int64(f.varint)
		}
		return nil
	})
	return m, err
}

// MarshalVector encodes a coordinate vector. Database columns carrying
// positions (ip, dv, initial_position) store this form.
func MarshalVector(vs []int64) []byte { return marshalVector(vs) }

// UnmarshalVector decodes a coordinate vector.
func UnmarshalVector(b []byte) ([]int64, error) { return unmarshalVector(b) }

// MarshalVectorList encodes a list of vectors as repeated Vector. The
// data_pointers column stores this form.
func MarshalVectorList(vs [][]int64) []byte {
	var b []byte
	for _, v := range vs {
		b = appendBytesAlways(b, 1, marshalVector(v))
	}
	return b
}

// UnmarshalVectorList decodes a repeated Vector blob.
func UnmarshalVectorList(b []byte) ([][]int64, error) {
	var out [][]int64
	err := forEachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		v, err := unmarshalVector(f.bytes)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

func marshalVector(vs []int64) []byte {
	var b []byte
	b = appendPackedInt64(b, 1, vs)
	return b
}

func unmarshalVector(b []byte) ([]int64, error) {
	var out []int64
	err := forEachField(b, func(f field) error {
		if f.num == 1 {
			vs, err := consumePackedInt64(f)
			if err != nil {
				return err
			}
			out = append(out, vs...)
		}
		return nil
	})
	return out, err
}

// MarshalOrganismState encodes one OrganismState message.
func MarshalOrganismState(o domain.OrganismState) []byte {
	var b []byte
	b = appendInt64(b, 1, o.OrganismID)
	b = appendInt64(b, 2, o.ParentID)
	b = appendInt64(b, 3, o.BirthTick)
	b = appendString(b, 4, o.ProgramID)
	b = appendInt64(b, 5, o.Energy)
	b = appendBytes(b, 6, marshalVector(o.IP))
	b = appendBytes(b, 7, marshalVector(o.DV))
	for _, dp := range o.DataPointers {
		b = appendBytesAlways(b, 8, marshalVector(dp))
	}
	b = appendInt32(b, 9, o.ActiveDPIndex)
	for _, v := range o.DataRegisters {
		b = appendBytesAlways(b, 10, v)
	}
	for _, v := range o.ProcRegisters {
		b = appendBytesAlways(b, 11, v)
	}
	for _, v := range o.FormalParams {
		b = appendBytesAlways(b, 12, v)
	}
	for _, v := range o.LocationRegs {
		b = appendBytesAlways(b, 13, v)
	}
	for _, v := range o.DataStack {
		b = appendBytesAlways(b, 14, v)
	}
	for _, v := range o.LocationStack {
		b = appendBytesAlways(b, 15, v)
	}
	for _, v := range o.CallStack {
		b = appendBytesAlways(b, 16, v)
	}
	b = appendBool(b, 17, o.InstrFailed)
	b = appendString(b, 18, o.FailureReason)
	b = appendString(b, 19, o.FailureCallStack)
	b = appendBytes(b, 20, marshalVector(o.InitialPosition))
	return b
}

// UnmarshalOrganismState decodes one OrganismState message.
func UnmarshalOrganismState(b []byte) (domain.OrganismState, error) {
	var o domain.OrganismState
	clone := func(v []byte) []byte { out := make([]byte, len(v)); copy(out, v); return out }
	err := forEachField(b, func(f field) error {
		switch f.num {
		case 1:
			o.OrganismID = int64(f.varint)
		case 2:
			o.ParentID = int64(f.varint)
		case 3:
			o.BirthTick = int64(f.varint)
		case 4:
			o.ProgramID = string(f.bytes)
		case 5:
			o.Energy = int64(f.varint)
		case 6:
			v, err := unmarshalVector(f.bytes)
			if err != nil {
				return err
			}
			o.IP = v
		case 7:
			v, err := unmarshalVector(f.bytes)
			if err != nil {
				return err
			}
			o.DV = v
		case 8:
			v, err := unmarshalVector(f.bytes)
			if err != nil {
				return err
			}
			o.DataPointers = append(o.DataPointers, v)
		case 9:
			o.ActiveDPIndex = int32(f.varint)
		case 10:
			o.DataRegisters = append(o.DataRegisters, clone(f.bytes))
		case 11:
			o.ProcRegisters = append(o.ProcRegisters, clone(f.bytes))
		case 12:
			o.FormalParams = append(o.FormalParams, clone(f.bytes))
		case 13:
			o.LocationRegs = append(o.LocationRegs, clone(f.bytes))
		case 14:
			o.DataStack = append(o.DataStack, clone(f.bytes))
		case 15:
			o.LocationStack = append(o.LocationStack, clone(f.bytes))
		case 16:
			o.CallStack = append(o.CallStack, clone(f.bytes))
		case 17:
			o.InstrFailed = f.varint != 0
		case 18:
			o.FailureReason = string(f.bytes)
		case 19:
			o.FailureCallStack = string(f.bytes)
		case 20:
			v, err := unmarshalVector(f.bytes)
			if err != nil {
				return err
			}
			o.InitialPosition = v
		}
		return nil
	})
	return o, err
}

// MarshalTickData encodes one TickData message.
func MarshalTickData(t domain.TickData) []byte {
	var b []byte
	b = appendInt64(b, 1, t.TickNumber)
	for _, o := range t.Organisms {
		b = appendBytesAlways(b, 2, MarshalOrganismState(o))
	}
	b = appendBytes(b, 3, t.EnvironmentState)
	return b
}

// UnmarshalTickData decodes one TickData message.
func UnmarshalTickData(b []byte) (domain.TickData, error) {
	var t domain.TickData
	err := forEachField(b, func(f field) error {
		switch f.num {
		case 1:
			t.TickNumber = int64(f.varint)
		case 2:
			o, err := UnmarshalOrganismState(f.bytes)
			if err != nil {
				return err
			}
			t.Organisms = append(t.Organisms, o)
		case 3:
			t.EnvironmentState = make([]byte, len(f.bytes))
			copy(t.EnvironmentState, f.bytes)
		}
		return nil
	})
	return t, err
}

// MarshalTickDataBatch encodes a TickDataBatch message.
func MarshalTickDataBatch(ticks []domain.TickData) []byte {
	var b []byte
	for _, t := range ticks {
		b = appendBytesAlways(b, 1, MarshalTickData(t))
	}
	return b
}

// UnmarshalTickDataBatch decodes a TickDataBatch message.
func UnmarshalTickDataBatch(b []byte) ([]domain.TickData, error) {
	var ticks []domain.TickData
	err := forEachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		if f.typ != protowire.BytesType {
			return fmt.Errorf("op=wire.tick_batch: %w: wire type %d", domain.ErrInvalidArgument, f.typ)
		}
		t, err := UnmarshalTickData(f.bytes)
		if err != nil {
			return err
		}
		ticks = append(ticks, t)
		return nil
	})
	return ticks, err
}
