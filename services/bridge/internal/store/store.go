// Package store persists loan applications, their append-only audit
// trail, and undelivered outbound notifications.
//
// Every status transition is a single guarded UPDATE committed together
// with its audit row: a crash mid-transition leaves the record exactly as
// it was before the attempt.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrStatusConflict = errors.New("status conflict")
	ErrDuplicate      = errors.New("duplicate application")
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// HashPayload fingerprints a raw wire payload for the audit trail.
func HashPayload(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// LoanApplication is the durable aggregate tracked across the message
// exchanges with ESS.
type LoanApplication struct {
	ESSApplicationNumber string
	ESSCheckNumber       string
	FSPReferenceNumber   string
	ESSLoanNumberAlias   *string
	ProductCode          string
	RequestedAmount      decimal.Decimal
	TenureMonths         int
	CBSClientID          *string
	CBSLoanID            *string
	CBSLoanAccountNumber *string
	BorrowerName         string
	BorrowerNIN          string
	BorrowerMobile       string
	DisbursementAccount  string
	Status               string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AuditEntry is one append-only metadata record. Entries are never
// overwritten; compensation and raw payload fingerprints land here.
type AuditEntry struct {
	MsgID       string
	MessageType string
	PayloadSHA  string
	Note        string
}

const appColumns = `
ess_application_number, ess_check_number, fsp_reference_number,
ess_loan_number_alias, product_code, requested_amount, tenure_months,
cbs_client_id, cbs_loan_id, cbs_loan_account_number,
borrower_name, borrower_nin, borrower_mobile, disbursement_account,
status, created_at, updated_at`

func scanApplication(row pgx.Row) (*LoanApplication, error) {
	var app LoanApplication
	err := row.Scan(
		&app.ESSApplicationNumber, &app.ESSCheckNumber, &app.FSPReferenceNumber,
		&app.ESSLoanNumberAlias, &app.ProductCode, &app.RequestedAmount, &app.TenureMonths,
		&app.CBSClientID, &app.CBSLoanID, &app.CBSLoanAccountNumber,
		&app.BorrowerName, &app.BorrowerNIN, &app.BorrowerMobile, &app.DisbursementAccount,
		&app.Status, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &app, nil
}

// CreateApplication inserts a new aggregate and its first audit row in one
// transaction. A duplicate ess_application_number yields ErrDuplicate.
func (s *Store) CreateApplication(ctx context.Context, app LoanApplication, entry AuditEntry) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO bridge_loan_applications(
  ess_application_number, ess_check_number, fsp_reference_number,
  ess_loan_number_alias, product_code, requested_amount, tenure_months,
  borrower_name, borrower_nin, borrower_mobile, disbursement_account, status)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (ess_application_number) DO NOTHING
`, app.ESSApplicationNumber, app.ESSCheckNumber, app.FSPReferenceNumber,
		app.ESSLoanNumberAlias, app.ProductCode, app.RequestedAmount, app.TenureMonths,
		app.BorrowerName, app.BorrowerNIN, app.BorrowerMobile, app.DisbursementAccount, app.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	if err := appendAuditTx(ctx, tx, app.ESSApplicationNumber, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetByESSApplicationNumber(ctx context.Context, essAppNo string) (*LoanApplication, error) {
	return scanApplication(s.DB.QueryRow(ctx,
		`SELECT`+appColumns+` FROM bridge_loan_applications WHERE ess_application_number=$1`, essAppNo))
}

func (s *Store) GetByFSPReference(ctx context.Context, fspRef string) (*LoanApplication, error) {
	return scanApplication(s.DB.QueryRow(ctx,
		`SELECT`+appColumns+` FROM bridge_loan_applications WHERE fsp_reference_number=$1`, fspRef))
}

// Transition moves an application from one of the expected source
// statuses to the target status. The guarded UPDATE and the audit row
// commit atomically; no row moves means either the record is missing
// (ErrNotFound) or its status changed under us (ErrStatusConflict).
func (s *Store) Transition(ctx context.Context, essAppNo string, from []string, to string, entry AuditEntry) error {
	return s.guardedUpdate(ctx, essAppNo, entry, `
UPDATE bridge_loan_applications
SET status=$2, updated_at=now()
WHERE ess_application_number=$1 AND status = ANY($3)
`, essAppNo, to, from)
}

// SetClientCreated records the confirmed CBS client id and advances the
// status, atomically. The linkage column is write-once: a retried call
// that raced an earlier success cannot overwrite it.
func (s *Store) SetClientCreated(ctx context.Context, essAppNo string, from []string, clientID string, entry AuditEntry) error {
	return s.guardedUpdate(ctx, essAppNo, entry, `
UPDATE bridge_loan_applications
SET status=$2, cbs_client_id=$4, updated_at=now()
WHERE ess_application_number=$1 AND status = ANY($3) AND cbs_client_id IS NULL
`, essAppNo, "CLIENT_CREATED", from, clientID)
}

// SetLoanCreated records the confirmed CBS loan identifiers and the loan
// number alias surfaced to ESS. cbs_loan_id is immutable once set.
func (s *Store) SetLoanCreated(ctx context.Context, essAppNo string, from []string, loanID, accountNo, alias string, entry AuditEntry) error {
	return s.guardedUpdate(ctx, essAppNo, entry, `
UPDATE bridge_loan_applications
SET status=$2, cbs_loan_id=$4, cbs_loan_account_number=$5, ess_loan_number_alias=$6, updated_at=now()
WHERE ess_application_number=$1 AND status = ANY($3) AND cbs_loan_id IS NULL
`, essAppNo, "LOAN_CREATED", from, loanID, accountNo, alias)
}

func (s *Store) guardedUpdate(ctx context.Context, essAppNo string, entry AuditEntry, sql string, args ...any) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM bridge_loan_applications WHERE ess_application_number=$1)`,
			essAppNo).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	if err := appendAuditTx(ctx, tx, essAppNo, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SnapshotBorrower captures the borrower details once at final approval.
// Later calls are no-ops: the snapshot is immutable.
func (s *Store) SnapshotBorrower(ctx context.Context, essAppNo, name, nin, mobile, account string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE bridge_loan_applications
SET borrower_name=$2, borrower_nin=$3, borrower_mobile=$4, disbursement_account=$5, updated_at=now()
WHERE ess_application_number=$1 AND borrower_name=''
`, essAppNo, name, nin, mobile, account)
	return err
}

func appendAuditTx(ctx context.Context, tx pgx.Tx, essAppNo string, entry AuditEntry) error {
	_, err := tx.Exec(ctx, `
INSERT INTO bridge_application_audit(ess_application_number, msg_id, message_type, payload_sha256, note)
VALUES($1,$2,$3,$4,$5)
`, essAppNo, entry.MsgID, entry.MessageType, entry.PayloadSHA, entry.Note)
	return err
}

// AppendAudit records a metadata entry outside any transition, e.g. a
// rejected message or a stateless charges quote.
func (s *Store) AppendAudit(ctx context.Context, essAppNo string, entry AuditEntry) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO bridge_application_audit(ess_application_number, msg_id, message_type, payload_sha256, note)
VALUES($1,$2,$3,$4,$5)
`, essAppNo, entry.MsgID, entry.MessageType, entry.PayloadSHA, entry.Note)
	return err
}

// ListAudit returns the audit trail for an application, oldest first.
func (s *Store) ListAudit(ctx context.Context, essAppNo string) ([]AuditEntry, error) {
	rows, err := s.DB.Query(ctx, `
SELECT msg_id, message_type, payload_sha256, note
FROM bridge_application_audit
WHERE ess_application_number=$1
ORDER BY recorded_at, id
`, essAppNo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.MsgID, &e.MessageType, &e.PayloadSHA, &e.Note); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
