package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"dispatchline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStale reports a compare-and-set update that matched no row because the
// entity's state changed since it was read.
var ErrStale = errors.New("stale state")

func (r Repo) InsertDispatch(ctx context.Context, tx *sql.Tx, d domain.Dispatch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dispatches(id,origin_facility_id,destination_facility_id,scheduled_date,created_at) VALUES (?,?,?,?,?)`,
		d.ID, d.OriginFacilityID, d.DestinationFacilityID, d.ScheduledDate, d.CreatedAt)
	return err
}

func (r Repo) GetDispatch(ctx context.Context, id string) (domain.Dispatch, error) {
	var d domain.Dispatch
	err := r.DB.QueryRowContext(ctx, `SELECT id,origin_facility_id,destination_facility_id,scheduled_date,created_at FROM dispatches WHERE id=?`, id).
		Scan(&d.ID, &d.OriginFacilityID, &d.DestinationFacilityID, &d.ScheduledDate, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

type DispatchFilters struct {
	FacilityID string
	Limit      int
}

func (r Repo) ListDispatches(ctx context.Context, f DispatchFilters) ([]domain.Dispatch, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.FacilityID != "" {
		clauses = append(clauses, "(origin_facility_id=? OR destination_facility_id=?)")
		args = append(args, f.FacilityID, f.FacilityID)
	}
	query := `SELECT id,origin_facility_id,destination_facility_id,scheduled_date,created_at FROM dispatches WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY scheduled_date DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispatch
	for rows.Next() {
		var d domain.Dispatch
		if err := rows.Scan(&d.ID, &d.OriginFacilityID, &d.DestinationFacilityID, &d.ScheduledDate, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertTrip(ctx context.Context, tx *sql.Tx, t domain.Trip) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO trips(id,dispatch_id,driver_id,vehicle_id,trailer_id,state,seq,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.DispatchID, t.DriverID, t.VehicleID, nullableStringPtr(t.TrailerID), t.State, t.Seq, t.CreatedAt, t.UpdatedAt)
	return err
}

// NextTripSeq returns the next human-facing sequence number for a dispatch.
// Must run inside the same transaction as the insert.
func (r Repo) NextTripSeq(ctx context.Context, tx *sql.Tx, dispatchID string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM trips WHERE dispatch_id=?`, dispatchID).Scan(&seq)
	return seq, err
}

func scanTrip(scan func(dest ...any) error) (domain.Trip, error) {
	var t domain.Trip
	var trailer sql.NullString
	err := scan(&t.ID, &t.DispatchID, &t.DriverID, &t.VehicleID, &trailer, &t.State, &t.Seq, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if trailer.Valid {
		t.TrailerID = &trailer.String
	}
	return t, nil
}

const tripColumns = `id,dispatch_id,driver_id,vehicle_id,trailer_id,state,seq,created_at,updated_at`

func (r Repo) GetTrip(ctx context.Context, id string) (domain.Trip, error) {
	return scanTrip(r.DB.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=?`, id).Scan)
}

// UpdateTripState writes the new state conditioned on the state being
// unchanged since the caller read it. Returns ErrStale when a concurrent
// writer advanced the trip first.
func (r Repo) UpdateTripState(ctx context.Context, tx *sql.Tx, id, fromState, toState, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE trips SET state=?, updated_at=? WHERE id=? AND state=?`,
		toState, updatedAt, id, fromState)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

type TripFilters struct {
	DispatchID      string
	State           string
	DriverID        string
	VehicleID       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTrips(ctx context.Context, f TripFilters) ([]domain.Trip, error) {
	var clauses []string
	var args []any
	if f.DispatchID != "" {
		clauses = append(clauses, "dispatch_id=?")
		args = append(args, f.DispatchID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.DriverID != "" {
		clauses = append(clauses, "driver_id=?")
		args = append(args, f.DriverID)
	}
	if f.VehicleID != "" {
		clauses = append(clauses, "vehicle_id=?")
		args = append(args, f.VehicleID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + tripColumns + ` FROM trips ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trip
	for rows.Next() {
		t, err := scanTrip(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListTripsForFacility returns trips whose dispatch touches the facility,
// joined with the dispatch for perspective classification.
func (r Repo) ListTripsForFacility(ctx context.Context, facilityID string) ([]domain.Trip, map[string]domain.Dispatch, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.id,t.dispatch_id,t.driver_id,t.vehicle_id,t.trailer_id,t.state,t.seq,t.created_at,t.updated_at,
d.id,d.origin_facility_id,d.destination_facility_id,d.scheduled_date,d.created_at
FROM trips t JOIN dispatches d ON d.id=t.dispatch_id
WHERE d.origin_facility_id=? OR d.destination_facility_id=?
ORDER BY t.created_at DESC, t.id DESC`, facilityID, facilityID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var trips []domain.Trip
	dispatches := map[string]domain.Dispatch{}
	for rows.Next() {
		var t domain.Trip
		var trailer sql.NullString
		var d domain.Dispatch
		if err := rows.Scan(&t.ID, &t.DispatchID, &t.DriverID, &t.VehicleID, &trailer, &t.State, &t.Seq, &t.CreatedAt, &t.UpdatedAt,
			&d.ID, &d.OriginFacilityID, &d.DestinationFacilityID, &d.ScheduledDate, &d.CreatedAt); err != nil {
			return nil, nil, err
		}
		if trailer.Valid {
			t.TrailerID = &trailer.String
		}
		trips = append(trips, t)
		dispatches[d.ID] = d
	}
	return trips, dispatches, rows.Err()
}

type AuditFilters struct {
	EntityType string
	EntityID   string
	Action     string
	Limit      int
	Cursor     int64
}

func (r Repo) ListAuditRecords(ctx context.Context, f AuditFilters) ([]domain.AuditRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,entity_type,entity_id,action,before_value,after_value,actor,reason,at FROM audit_records WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryAudit(ctx, query, args...)
}

// AuditRecordsAfter returns audit records with IDs greater than the cursor in
// ascending order, for the notification dispatcher.
func (r Repo) AuditRecordsAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryAudit(ctx, `SELECT id,entity_type,entity_id,action,before_value,after_value,actor,reason,at FROM audit_records WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestAuditID returns the most recent audit record ID.
func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_records`).Scan(&id)
	return id, err
}

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditRecord, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var before, after, reason sql.NullString
		if err := rows.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Action, &before, &after, &rec.Actor, &reason, &rec.At); err != nil {
			return nil, err
		}
		rec.Before = before.String
		rec.After = after.String
		rec.Reason = reason.String
		res = append(res, rec)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
