package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rainco77/evochora-sub004/internal/codec"
	"github.com/rainco77/evochora-sub004/internal/domain"
	"github.com/rainco77/evochora-sub004/internal/resource"
	"github.com/rainco77/evochora-sub004/internal/wire"
)

// OrganismRepo writes organism rows split into a static table (written
// once per organism) and a per-tick state table. The registers, stacks,
// and failure fields travel in runtime_state_blob through the codec
// layer; hot columns stay queryable.
type OrganismRepo struct {
	pool    Pool
	write   codec.Codec
	monitor *resource.Monitor
}

// NewOrganismRepo creates an organism repository writing new blobs with
// the named codec.
func NewOrganismRepo(pool Pool, writeCodec string, monitor *resource.Monitor) (*OrganismRepo, error) {
	c, err := codec.ByName(writeCodec)
	if err != nil {
		return nil, err
	}
	return &OrganismRepo{pool: pool, write: c, monitor: monitor}, nil
}

// PrepareSchema creates the run schema and both organism tables. Idempotent.
func (r *OrganismRepo) PrepareSchema(ctx context.Context, runID string) error {
	schema, err := schemaFor(runID)
	if err != nil {
		return err
	}
	if err := ensureSchema(ctx, r.pool, schema); err != nil {
		r.recordFailure(domain.CodeCreateSchemaFailed, err)
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.organisms (
			organism_id BIGINT PRIMARY KEY,
			parent_id BIGINT NOT NULL,
			birth_tick BIGINT NOT NULL,
			program_id TEXT NOT NULL,
			initial_position BYTEA NOT NULL
		)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.organism_states (
			tick_number BIGINT NOT NULL,
			organism_id BIGINT NOT NULL,
			energy BIGINT NOT NULL,
			ip BYTEA NOT NULL,
			dv BYTEA NOT NULL,
			data_pointers BYTEA NOT NULL,
			active_dp_index INT NOT NULL,
			runtime_state_blob BYTEA NOT NULL,
			PRIMARY KEY (tick_number, organism_id)
		)`, schema),
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			err = fmt.Errorf("op=repo.organism.prepare code=%s: %w", domain.CodeSchemaSetupFailed, err)
			r.recordFailure(domain.CodeSchemaSetupFailed, err)
			return err
		}
	}
	r.monitor.SetUsageState(resource.UsageDBOrganism, resource.StateActive)
	return nil
}

// UpsertOrganisms merges the static and per-tick rows of every organism
// in ticks within one transaction. Static rows are insert-once; per-tick
// rows overwrite on redelivery and converge to the same state.
func (r *OrganismRepo) UpsertOrganisms(ctx context.Context, runID string, ticks []domain.TickData) error {
	if len(ticks) == 0 {
		return nil
	}
	schema, err := schemaFor(runID)
	if err != nil {
		return err
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		err = fmt.Errorf("op=repo.organism.upsert code=%s: %w", domain.CodeWriteFailed, err)
		r.recordFailure(domain.CodeWriteFailed, err)
		return err
	}
	defer tx.Rollback(ctx)

	static := fmt.Sprintf(`INSERT INTO %s.organisms
		(organism_id, parent_id, birth_tick, program_id, initial_position)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organism_id) DO NOTHING`, schema)
	perTick := fmt.Sprintf(`INSERT INTO %s.organism_states
		(tick_number, organism_id, energy, ip, dv, data_pointers, active_dp_index, runtime_state_blob)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tick_number, organism_id) DO UPDATE SET
			energy = EXCLUDED.energy,
			ip = EXCLUDED.ip,
			dv = EXCLUDED.dv,
			data_pointers = EXCLUDED.data_pointers,
			active_dp_index = EXCLUDED.active_dp_index,
			runtime_state_blob = EXCLUDED.runtime_state_blob`, schema)

	rows := 0
	for _, tick := range ticks {
		for _, o := range tick.Organisms {
			// State rows exist only within an organism's lifetime:
			// tick_number >= birth_tick.
			if tick.TickNumber < o.BirthTick {
				continue
			}
			if _, err := tx.Exec(ctx, static,
				o.OrganismID, o.ParentID, o.BirthTick, o.ProgramID, wire.MarshalVector(o.InitialPosition)); err != nil {
				err = fmt.Errorf("op=repo.organism.upsert code=%s: %w", domain.CodeWriteFailed, err)
				r.recordFailure(domain.CodeWriteFailed, err)
				return err
			}
			blob, err := r.runtimeBlob(o)
			if err != nil {
				r.recordFailure(domain.CodeWriteFailed, err)
				return err
			}
			if _, err := tx.Exec(ctx, perTick,
				tick.TickNumber, o.OrganismID, o.Energy,
				wire.MarshalVector(o.IP), wire.MarshalVector(o.DV),
				wire.MarshalVectorList(o.DataPointers), o.ActiveDPIndex, blob); err != nil {
				err = fmt.Errorf("op=repo.organism.upsert code=%s: %w", domain.CodeWriteFailed, err)
				r.recordFailure(domain.CodeWriteFailed, err)
				return err
			}
			rows++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		err = fmt.Errorf("op=repo.organism.upsert code=%s: %w", domain.CodeWriteFailed, err)
		r.recordFailure(domain.CodeWriteFailed, err)
		return err
	}
	r.monitor.SetUsageState(resource.UsageDBOrganism, resource.StateActive)
	r.monitor.Add("organism_state_rows_upserted", int64(rows))
	return nil
}

// runtimeBlob packs the non-column fields of the state into a
// codec-wrapped OrganismState message.
func (r *OrganismRepo) runtimeBlob(o domain.OrganismState) ([]byte, error) {
	rest := domain.OrganismState{
		DataRegisters:    o.DataRegisters,
		ProcRegisters:    o.ProcRegisters,
		FormalParams:     o.FormalParams,
		LocationRegs:     o.LocationRegs,
		DataStack:        o.DataStack,
		LocationStack:    o.LocationStack,
		CallStack:        o.CallStack,
		InstrFailed:      o.InstrFailed,
		FailureReason:    o.FailureReason,
		FailureCallStack: o.FailureCallStack,
	}
	blob, err := codec.Encode(r.write, wire.MarshalOrganismState(rest))
	if err != nil {
		return nil, fmt.Errorf("op=repo.organism.blob: %w", err)
	}
	return blob, nil
}

func (r *OrganismRepo) recordFailure(code string, err error) {
	r.monitor.RecordError(code, err.Error(), nil)
	r.monitor.SetUsageState(resource.UsageDBOrganism, resource.StateFailed)
}
