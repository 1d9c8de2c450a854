package repo

import (
	"context"
	"database/sql"
	"strings"

	"dispatchline/internal/domain"
)

const documentColumns = `id,resource_type,resource_id,doc_type,issue_date,expiry_date,state,rejection_reason,provisional_grant_at,prior_state,validator_id,incident_id,created_at`

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.ComplianceDocument) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(`+documentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ResourceType, d.ResourceID, d.DocType, nullable(d.IssueDate), nullableStringPtr(d.ExpiryDate),
		d.State, nullableStringPtr(d.RejectionReason), nullableStringPtr(d.ProvisionalGrantAt),
		nullableStringPtr(d.PriorState), nullableStringPtr(d.ValidatorID), nullableStringPtr(d.IncidentID), d.CreatedAt)
	return err
}

func scanDocument(scan func(dest ...any) error) (domain.ComplianceDocument, error) {
	var d domain.ComplianceDocument
	var issueDate, expiry, reason, grantAt, prior, validator, incident sql.NullString
	err := scan(&d.ID, &d.ResourceType, &d.ResourceID, &d.DocType, &issueDate, &expiry, &d.State,
		&reason, &grantAt, &prior, &validator, &incident, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.IssueDate = issueDate.String
	if expiry.Valid {
		d.ExpiryDate = &expiry.String
	}
	if reason.Valid {
		d.RejectionReason = &reason.String
	}
	if grantAt.Valid {
		d.ProvisionalGrantAt = &grantAt.String
	}
	if prior.Valid {
		d.PriorState = &prior.String
	}
	if validator.Valid {
		d.ValidatorID = &validator.String
	}
	if incident.Valid {
		d.IncidentID = &incident.String
	}
	return d, nil
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.ComplianceDocument, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id).Scan)
}

type DocumentFilters struct {
	ResourceType string
	ResourceID   string
	DocType      string
	State        string
	Limit        int
}

func (r Repo) ListDocuments(ctx context.Context, f DocumentFilters) ([]domain.ComplianceDocument, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ResourceType != "" {
		clauses = append(clauses, "resource_type=?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if f.DocType != "" {
		clauses = append(clauses, "doc_type=?")
		args = append(args, f.DocType)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ComplianceDocument
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// ListTripDocuments returns every compliance document owned by the trip's
// driver, vehicle and, when present, trailer.
func (r Repo) ListTripDocuments(ctx context.Context, t domain.Trip) ([]domain.ComplianceDocument, error) {
	clauses := "(resource_type=? AND resource_id=?) OR (resource_type=? AND resource_id=?)"
	args := []any{domain.ResourceDriver, t.DriverID, domain.ResourceVehicle, t.VehicleID}
	if t.TrailerID != nil && *t.TrailerID != "" {
		clauses += " OR (resource_type=? AND resource_id=?)"
		args = append(args, domain.ResourceTrailer, *t.TrailerID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE `+clauses+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ComplianceDocument
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpdateDocumentState writes the full validation outcome conditioned on the
// state being unchanged since the read. Returns ErrStale on a lost race.
func (r Repo) UpdateDocumentState(ctx context.Context, tx *sql.Tx, d domain.ComplianceDocument, fromState string) error {
	res, err := tx.ExecContext(ctx, `UPDATE documents SET issue_date=?, expiry_date=?, state=?, rejection_reason=?, provisional_grant_at=?, prior_state=?, validator_id=?, incident_id=? WHERE id=? AND state=?`,
		nullable(d.IssueDate), nullableStringPtr(d.ExpiryDate), d.State, nullableStringPtr(d.RejectionReason),
		nullableStringPtr(d.ProvisionalGrantAt), nullableStringPtr(d.PriorState), nullableStringPtr(d.ValidatorID),
		nullableStringPtr(d.IncidentID), d.ID, fromState)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// SweepCandidates returns documents the expiry sweep has to look at: every
// provisional approval and every approved document carrying an expiry date.
func (r Repo) SweepCandidates(ctx context.Context) ([]domain.ComplianceDocument, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE state=? OR (state=? AND expiry_date IS NOT NULL)`,
		domain.DocProvisional, domain.DocApproved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ComplianceDocument
	for rows.Next() {
		d, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
