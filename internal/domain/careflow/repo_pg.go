package careflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/careflow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// StorePG is the postgres-backed authoritative Store.
type StorePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) *StorePG {
	return &StorePG{pool: pool}
}

func (s *StorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// InTx runs fn in a single transaction; store calls made with the ctx passed
// to fn join it.
func (s *StorePG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, s.pool, fn)
}

const recordCols = `id, registered, doctor_notes_done, nurse_summary_done, doctor_approved, dispensed,
	registered_at, doctor_notes_done_at, nurse_summary_done_at, doctor_approved_at, dispensed_at,
	version, created_at, updated_at`

func scanRecord(row pgx.Row) (*PatientWorkflowRecord, error) {
	var r PatientWorkflowRecord
	err := row.Scan(&r.ID,
		&r.Flags[FlagRegistered], &r.Flags[FlagDoctorNotesDone], &r.Flags[FlagNurseSummaryDone],
		&r.Flags[FlagDoctorApproved], &r.Flags[FlagDispensed],
		&r.Timestamps[FlagRegistered], &r.Timestamps[FlagDoctorNotesDone], &r.Timestamps[FlagNurseSummaryDone],
		&r.Timestamps[FlagDoctorApproved], &r.Timestamps[FlagDispensed],
		&r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *StorePG) Create(ctx context.Context, rec *PatientWorkflowRecord) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO patient_workflow (`+recordCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.ID,
		rec.Flags[FlagRegistered], rec.Flags[FlagDoctorNotesDone], rec.Flags[FlagNurseSummaryDone],
		rec.Flags[FlagDoctorApproved], rec.Flags[FlagDispensed],
		rec.Timestamps[FlagRegistered], rec.Timestamps[FlagDoctorNotesDone], rec.Timestamps[FlagNurseSummaryDone],
		rec.Timestamps[FlagDoctorApproved], rec.Timestamps[FlagDispensed],
		rec.Version, rec.CreatedAt, rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (s *StorePG) Fetch(ctx context.Context, id string) (*PatientWorkflowRecord, error) {
	rec, err := scanRecord(s.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM patient_workflow WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// queueSQL mirrors VisibleTo and PendingFor.
var queueSQL = map[Role]struct{ visible, pending string }{
	RoleReceptionist: {"TRUE", "NOT registered"},
	RoleAdmin:        {"TRUE", "NOT dispensed"},
	RoleDoctor: {"registered",
		"((registered AND NOT doctor_notes_done) OR (nurse_summary_done AND NOT doctor_approved))"},
	RoleNurse:      {"doctor_notes_done", "(doctor_notes_done AND NOT nurse_summary_done)"},
	RolePharmacist: {"doctor_approved", "(doctor_approved AND NOT dispensed)"},
}

func whereClause(f Filter) (string, []interface{}, error) {
	var conds []string
	var args []interface{}
	role := f.Role
	if role == "" {
		role = RoleAdmin
	}
	q, ok := queueSQL[role]
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown role %q", ErrBadRequest, string(f.Role))
	}
	conds = append(conds, q.visible)
	if f.PendingOnly {
		conds = append(conds, q.pending)
	}
	if len(f.IDs) > 0 {
		args = append(args, f.IDs)
		conds = append(conds, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if f.AfterID != "" {
		args = append(args, f.AfterID)
		conds = append(conds, fmt.Sprintf(
			"(created_at, id) > (SELECT created_at, id FROM patient_workflow WHERE id = $%d)", len(args)))
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (s *StorePG) FetchSet(ctx context.Context, f Filter) ([]*PatientWorkflowRecord, int, error) {
	where, args, err := whereClause(f)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient_workflow`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + recordCols + ` FROM patient_workflow` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*PatientWorkflowRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (s *StorePG) ConditionalWrite(ctx context.Context, id string, expectedVersion int64, next *PatientWorkflowRecord) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE patient_workflow SET
			registered=$3, doctor_notes_done=$4, nurse_summary_done=$5, doctor_approved=$6, dispensed=$7,
			registered_at=$8, doctor_notes_done_at=$9, nurse_summary_done_at=$10, doctor_approved_at=$11, dispensed_at=$12,
			version=$2+1, updated_at=$13
		WHERE id = $1 AND version = $2`,
		id, expectedVersion,
		next.Flags[FlagRegistered], next.Flags[FlagDoctorNotesDone], next.Flags[FlagNurseSummaryDone],
		next.Flags[FlagDoctorApproved], next.Flags[FlagDispensed],
		next.Timestamps[FlagRegistered], next.Timestamps[FlagDoctorNotesDone], next.Timestamps[FlagNurseSummaryDone],
		next.Timestamps[FlagDoctorApproved], next.Timestamps[FlagDispensed],
		next.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patient_workflow WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// CommitTransition runs the conditional write and the fanout claim in one
// transaction, so a committed version always has a ledger entry.
func (s *StorePG) CommitTransition(ctx context.Context, id string, expectedVersion int64, next *PatientWorkflowRecord, claim FanoutClaim) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		if err := s.ConditionalWrite(ctx, id, expectedVersion, next); err != nil {
			return err
		}
		if _, err := s.ClaimFanout(ctx, claim); err != nil {
			return fmt.Errorf("claim fanout: %w", err)
		}
		return nil
	})
}

func (s *StorePG) ClaimFanout(ctx context.Context, c FanoutClaim) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO workflow_fanout (patient_id, version, flag, actor_role, claimed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id, version) DO NOTHING`,
		c.PatientID, c.Version, c.Flag.String(), string(c.Actor), c.ClaimedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *StorePG) CompleteFanout(ctx context.Context, patientID string, version int64) error {
	_, err := s.conn(ctx).Exec(ctx, `
		UPDATE workflow_fanout SET completed_at = NOW()
		WHERE patient_id = $1 AND version = $2 AND completed_at IS NULL`,
		patientID, version)
	return err
}

func (s *StorePG) PendingFanouts(ctx context.Context, olderThan time.Time, limit int) ([]FanoutClaim, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT patient_id, version, flag, actor_role, claimed_at FROM workflow_fanout
		WHERE completed_at IS NULL AND claimed_at <= $1
		ORDER BY claimed_at LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FanoutClaim
	for rows.Next() {
		var c FanoutClaim
		var flag, actor string
		if err := rows.Scan(&c.PatientID, &c.Version, &flag, &actor, &c.ClaimedAt); err != nil {
			return nil, err
		}
		if c.Flag, err = ParseFlag(flag); err != nil {
			return nil, err
		}
		c.Actor = Role(actor)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *StorePG) PersistNotification(ctx context.Context, n *NotificationRecord) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO workflow_notification (id, target_role, type, patient_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, string(n.TargetRole), string(n.Type), n.PatientID, n.Message, n.CreatedAt)
	return err
}

func (s *StorePG) FetchNotifications(ctx context.Context, role Role, limit int) ([]*NotificationRecord, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, target_role, type, patient_id, message, created_at FROM workflow_notification
		WHERE target_role = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, string(role), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NotificationRecord
	for rows.Next() {
		var n NotificationRecord
		var target, typ string
		if err := rows.Scan(&n.ID, &target, &typ, &n.PatientID, &n.Message, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.TargetRole = Role(target)
		n.Type = NotificationType(typ)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *StorePG) RecordAudit(ctx context.Context, e *AuditRecord) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO workflow_audit (id, at, user_id, roles, acting_role, patient_id, action, outcome, status, method, path, request_id, remote_ip)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		e.ID, e.At, e.UserID, e.Roles, string(e.ActingRole), e.PatientID, e.Action, e.Outcome, e.Status,
		e.Method, e.Path, e.RequestID, e.RemoteIP)
	return err
}

func (s *StorePG) FetchAudit(ctx context.Context, q AuditQuery) ([]*AuditRecord, int, error) {
	where := ""
	var args []interface{}
	if q.PatientID != "" {
		args = append(args, q.PatientID)
		where = " WHERE patient_id = $1"
	}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM workflow_audit`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, q.Offset)
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, at, user_id, roles, acting_role, patient_id, action, outcome, status, method, path, request_id, remote_ip
		FROM workflow_audit`+where+fmt.Sprintf(` ORDER BY at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var e AuditRecord
		var acting string
		if err := rows.Scan(&e.ID, &e.At, &e.UserID, &e.Roles, &acting, &e.PatientID, &e.Action, &e.Outcome,
			&e.Status, &e.Method, &e.Path, &e.RequestID, &e.RemoteIP); err != nil {
			return nil, 0, err
		}
		e.ActingRole = Role(acting)
		out = append(out, &e)
	}
	return out, total, rows.Err()
}
