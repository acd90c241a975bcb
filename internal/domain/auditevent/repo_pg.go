package auditevent

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erezept/erp/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// StorePG keeps downloaded audit events in the audit_event table.
type StorePG struct {
	pool *pgxpool.Pool
}

func NewStorePG(pool *pgxpool.Pool) *StorePG {
	return &StorePG{pool: pool}
}

func (r *StorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const auditCols = `id, fhir_id, profile_id, task_id, description, type_code, subtype_code,
	action, recorded, outcome, agent_name, entity_what_type, entity_name, created_at`

func scanAudit(row pgx.Row) (*AuditEvent, error) {
	var a AuditEvent
	err := row.Scan(
		&a.ID, &a.FHIRID, &a.ProfileID, &a.TaskID, &a.Description, &a.TypeCode, &a.SubtypeCode,
		&a.Action, &a.Recorded, &a.Outcome, &a.AgentName, &a.EntityWhatType, &a.EntityName, &a.CreatedAt,
	)
	return &a, err
}

// SaveAll upserts events in one transaction. Rows are matched on
// (profile_id, fhir_id); created_at of an existing row is kept.
func (r *StorePG) SaveAll(ctx context.Context, profileID string, events []*AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, a := range events {
			batch.Queue(`INSERT INTO audit_event (`+auditCols+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
				ON CONFLICT (profile_id, fhir_id) DO UPDATE SET
					task_id = EXCLUDED.task_id,
					description = EXCLUDED.description,
					type_code = EXCLUDED.type_code,
					subtype_code = EXCLUDED.subtype_code,
					action = EXCLUDED.action,
					recorded = EXCLUDED.recorded,
					outcome = EXCLUDED.outcome,
					agent_name = EXCLUDED.agent_name,
					entity_what_type = EXCLUDED.entity_what_type,
					entity_name = EXCLUDED.entity_name`,
				EventID(profileID, a.FHIRID), a.FHIRID, profileID, a.TaskID, a.Description, a.TypeCode, a.SubtypeCode,
				a.Action, a.Recorded, a.Outcome, a.AgentName, a.EntityWhatType, a.EntityName,
			)
		}
		br := db.TxFromContext(ctx).SendBatch(ctx, batch)
		for range events {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("upsert audit event: %w", err)
			}
		}
		return br.Close()
	})
}

func (r *StorePG) ListByProfile(ctx context.Context, profileID string, limit, offset int) ([]*AuditEvent, error) {
	q := fmt.Sprintf(`SELECT %s FROM audit_event WHERE profile_id = $1
		ORDER BY recorded DESC, fhir_id LIMIT $2 OFFSET $3`, auditCols)
	rows, err := r.conn(ctx).Query(ctx, q, profileID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*AuditEvent{}
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *StorePG) CountByProfile(ctx context.Context, profileID string) (int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_event WHERE profile_id = $1`, profileID).Scan(&total)
	return total, err
}

// DeleteByProfile removes every stored event of a profile, e.g. when the
// profile is removed from the device.
func (r *StorePG) DeleteByProfile(ctx context.Context, profileID string) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM audit_event WHERE profile_id = $1`, profileID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
