package repo

import (
	"context"
	"database/sql"
	"strings"

	"dispatchline/internal/domain"
)

const incidentColumns = `id,trip_id,type,severity,description,state,resolution_text,reporter_id,resolver_id,created_at,resolved_at`

func (r Repo) InsertIncident(ctx context.Context, tx *sql.Tx, inc domain.Incident) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO incidents(`+incidentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		inc.ID, inc.TripID, inc.Type, inc.Severity, nullable(inc.Description), inc.State,
		nullableStringPtr(inc.ResolutionText), inc.ReporterID, nullableStringPtr(inc.ResolverID),
		inc.CreatedAt, nullableStringPtr(inc.ResolvedAt))
	if err != nil {
		return err
	}
	for _, docID := range inc.AffectedDocIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO incident_documents(incident_id,document_id) VALUES (?,?)`, inc.ID, docID); err != nil {
			return err
		}
	}
	return nil
}

// AddIncidentDocuments links further affected documents to an existing
// incident, keeping the set deduplicated.
func (r Repo) AddIncidentDocuments(ctx context.Context, tx *sql.Tx, incidentID string, docIDs []string) error {
	for _, docID := range docIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO incident_documents(incident_id,document_id) VALUES (?,?)`, incidentID, docID); err != nil {
			return err
		}
	}
	return nil
}

func scanIncident(scan func(dest ...any) error) (domain.Incident, error) {
	var inc domain.Incident
	var desc, resolution, resolver, resolvedAt sql.NullString
	err := scan(&inc.ID, &inc.TripID, &inc.Type, &inc.Severity, &desc, &inc.State,
		&resolution, &inc.ReporterID, &resolver, &inc.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return inc, ErrNotFound
	}
	if err != nil {
		return inc, err
	}
	inc.Description = desc.String
	if resolution.Valid {
		inc.ResolutionText = &resolution.String
	}
	if resolver.Valid {
		inc.ResolverID = &resolver.String
	}
	if resolvedAt.Valid {
		inc.ResolvedAt = &resolvedAt.String
	}
	return inc, nil
}

func (r Repo) getIncident(ctx context.Context, q func(context.Context, string, ...any) *sql.Row, id string) (domain.Incident, error) {
	inc, err := scanIncident(q(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id).Scan)
	if err != nil {
		return inc, err
	}
	inc.AffectedDocIDs, err = r.incidentDocIDs(ctx, id)
	return inc, err
}

func (r Repo) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	return r.getIncident(ctx, r.DB.QueryRowContext, id)
}

func (r Repo) incidentDocIDs(ctx context.Context, incidentID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT document_id FROM incident_documents WHERE incident_id=? ORDER BY document_id`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveIncident returns the open or in-progress incident for (tripID, type),
// if any. Used for the idempotent-open behavior.
func (r Repo) ActiveIncident(ctx context.Context, tx *sql.Tx, tripID, incType string) (domain.Incident, error) {
	inc, err := scanIncident(tx.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE trip_id=? AND type=? AND state IN (?,?) ORDER BY created_at ASC LIMIT 1`,
		tripID, incType, domain.IncidentOpen, domain.IncidentInProgress).Scan)
	if err != nil {
		return inc, err
	}
	inc.AffectedDocIDs, err = r.incidentDocIDs(ctx, inc.ID)
	return inc, err
}

// UpdateIncidentState writes the new state and resolution fields conditioned
// on the state being unchanged since the read.
func (r Repo) UpdateIncidentState(ctx context.Context, tx *sql.Tx, inc domain.Incident, fromState string) error {
	res, err := tx.ExecContext(ctx, `UPDATE incidents SET state=?, resolution_text=?, resolver_id=?, resolved_at=? WHERE id=? AND state=?`,
		inc.State, nullableStringPtr(inc.ResolutionText), nullableStringPtr(inc.ResolverID),
		nullableStringPtr(inc.ResolvedAt), inc.ID, fromState)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

type IncidentFilters struct {
	TripID string
	Type   string
	State  string
	Limit  int
}

func (r Repo) ListIncidents(ctx context.Context, f IncidentFilters) ([]domain.Incident, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TripID != "" {
		clauses = append(clauses, "trip_id=?")
		args = append(args, f.TripID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		docIDs, err := r.incidentDocIDs(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].AffectedDocIDs = docIDs
	}
	return res, nil
}
