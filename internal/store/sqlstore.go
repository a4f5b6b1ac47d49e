// internal/store/sqlstore.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/coursekit/roster-sync/internal/lti"
)

// SQLStore implements the roster-sync collaborator contracts over
// database/sql (pgx or modernc sqlite).
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// q routes statements through the transaction carried on ctx when a
// savepoint scope is active, else straight at the pool.
func (s *SQLStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.DB
}

/* ------------------------------ ClassStore ------------------------------ */

func (s *SQLStore) GetClassWithRegistration(ctx context.Context, id int64) (*lti.LTIClass, error) {
	var (
		c         lti.LTIClass
		r         lti.Registration
		mURL      sql.NullString
		rlID      sql.NullString
		classID   sql.NullInt64
		setupUser sql.NullInt64
		synced    sql.NullInt64
		syncErr   sql.NullString
		oidc      sql.NullString
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT c.id, c.context_memberships_url, c.resource_link_id,
		       c.class_id, c.setup_user_id, c.last_synced, c.last_sync_error, c.lti_status,
		       r.id, r.client_id, r.issuer, r.auth_login_url, r.jwks_url, r.auth_token_url, r.openid_configuration
		FROM lti_classes c
		JOIN registrations r ON r.id = c.registration_id
		WHERE c.id = $1`, id).
		Scan(&c.ID, &mURL, &rlID, &classID, &setupUser, &synced, &syncErr, &c.Status,
			&r.ID, &r.ClientID, &r.Issuer, &r.AuthLoginURL, &r.JWKSURL, &r.AuthTokenURL, &oidc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if mURL.Valid {
		c.ContextMembershipsURL = &mURL.String
	}
	if rlID.Valid {
		c.ResourceLinkID = &rlID.String
	}
	if classID.Valid {
		c.ClassID = &classID.Int64
	}
	if setupUser.Valid {
		c.SetupUserID = &setupUser.Int64
	}
	if synced.Valid {
		t := time.Unix(synced.Int64, 0).UTC()
		c.LastSynced = &t
	}
	if syncErr.Valid {
		c.LastSyncError = &syncErr.String
	}
	if oidc.Valid && oidc.String != "" {
		r.OpenIDConfiguration = []byte(oidc.String)
	}
	c.Registration = r
	return &c, nil
}

// Placeholders are kept in ascending first-occurrence order: the sqlite
// driver binds by position, postgres by number, and only that ordering
// satisfies both.
func (s *SQLStore) MarkSynced(ctx context.Context, id int64, now time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE lti_classes
		   SET last_synced=$1, last_sync_error=NULL, lti_status=$2
		 WHERE id=$3`, now.Unix(), string(lti.StatusLinked), id)
	return err
}

func (s *SQLStore) MarkSyncError(ctx context.Context, id int64, message string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE lti_classes
		   SET last_sync_error=$1, lti_status=$2
		 WHERE id=$3`, message, string(lti.StatusError), id)
	return err
}

func (s *SQLStore) ListDueClasses(ctx context.Context) ([]int64, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id FROM lti_classes
		WHERE context_memberships_url IS NOT NULL
		  AND lti_status IN ($1, $2)
		ORDER BY (last_synced IS NULL) DESC, last_synced ASC, id ASC`,
		string(lti.StatusLinked), string(lti.StatusError))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

/* ------------------------------- RoleStore ------------------------------ */

// UpsertRoles writes one row per normalized role. Row failures are
// reported per row, not raised, so a single bad record cannot sink the
// rest of the roster.
func (s *SQLStore) UpsertRoles(ctx context.Context, classID, actingUserID int64, roles []lti.NormalizedRole, ssoTenant string) (lti.SyncResult, error) {
	now := s.now().Unix()
	out := make(lti.SyncResult, 0, len(roles))
	for _, r := range roles {
		var providerID any
		var identifier any
		var tenant any
		if r.SSOProviderID != 0 {
			providerID = r.SSOProviderID
			identifier = r.SSOIdentifier
			tenant = ssoTenant
		}
		_, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO class_roles
			  (class_id, email, display_name, sso_provider_id, sso_identifier, sso_tenant,
			   is_admin, is_teacher, is_student, granted_by, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (class_id, email)
			DO UPDATE SET
				display_name=EXCLUDED.display_name,
				sso_provider_id=EXCLUDED.sso_provider_id,
				sso_identifier=EXCLUDED.sso_identifier,
				sso_tenant=EXCLUDED.sso_tenant,
				is_admin=EXCLUDED.is_admin,
				is_teacher=EXCLUDED.is_teacher,
				is_student=EXCLUDED.is_student,
				granted_by=EXCLUDED.granted_by,
				updated_at=EXCLUDED.updated_at`,
			classID, r.Email, r.DisplayName, providerID, identifier, tenant,
			r.Roles.Admin, r.Roles.Teacher, r.Roles.Student, actingUserID, now)
		row := lti.RowResult{Email: r.Email}
		if err != nil {
			row.Err = err.Error()
		}
		out = append(out, row)
	}
	return out, nil
}

/* ----------------------------- ProviderStore ---------------------------- */

func (s *SQLStore) ResolveProviderName(ctx context.Context, id int64) (string, error) {
	var name string
	err := s.q(ctx).QueryRowContext(ctx, `SELECT name FROM login_providers WHERE id=$1`, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

/* ---------------------------- SavepointRunner ---------------------------- */

// WithSavepoint runs fn inside a nested transaction scope. Without an
// enclosing transaction it opens one for the scope; inside one it uses a
// real SAVEPOINT. Writes made through the ctx fn receives are discarded
// when fn errors; writes made with the caller's own ctx (error markers)
// are not part of the scope.
func (s *SQLStore) WithSavepoint(ctx context.Context, name string, fn func(context.Context) error) error {
	name = sanitizeSavepoint(name)

	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
			return err
		}
		if err := fn(ctx); err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
				return rbErr
			}
			_, _ = tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
			return err
		}
		_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func sanitizeSavepoint(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "roster_sync"
	}
	return "sp_" + b.String()
}
