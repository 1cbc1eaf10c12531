package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/flowforge/core"
)

// CreateCredential stores a new credential with its value encrypted.
func (s *SQLiteStore) CreateCredential(ctx context.Context, cred core.Credential) (core.Credential, error) {
	if err := validateCredential(cred); err != nil {
		return core.Credential{}, err
	}
	encrypted, err := s.secrets.Encrypt(cred.Value)
	if err != nil {
		return core.Credential{}, fmt.Errorf("sqlite store encrypt credential: %w", err)
	}

	now := s.timestamp()
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	cred.Name = strings.TrimSpace(cred.Name)
	cred.CreatedAt, cred.UpdatedAt = now, now

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (id, user_id, name, type, value, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.UserID, cred.Name, string(cred.Type), encrypted, formatTime(now), formatTime(now),
	); err != nil {
		return core.Credential{}, fmt.Errorf("sqlite store create credential: %w", err)
	}
	return cred, nil
}

// GetCredential returns the decrypted credential id owned by userID. ok is
// false when no such credential exists for that user.
func (s *SQLiteStore) GetCredential(ctx context.Context, userID, id string) (core.Credential, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, name, type, value, created_at, updated_at
FROM credentials
WHERE id = ? AND user_id = ?`, id, userID)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Credential{}, false, nil
	}
	if err != nil {
		return core.Credential{}, false, fmt.Errorf("sqlite store get credential: %w", err)
	}
	if cred.Value, err = s.secrets.Decrypt(cred.Value); err != nil {
		return core.Credential{}, false, fmt.Errorf("sqlite store decrypt credential: %w", err)
	}
	return cred, true, nil
}

// ListCredentials returns one page of a user's credentials without values.
func (s *SQLiteStore) ListCredentials(ctx context.Context, userID string, opts ListOptions) (Page[core.Credential], error) {
	opts = opts.Normalize()
	where := "user_id = ?"
	args := []any{userID}
	if strings.TrimSpace(opts.Search) != "" {
		where += ` AND lower(name) LIKE ? ESCAPE '\'`
		args = append(args, likePattern(opts.Search))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM credentials WHERE "+where, args...).Scan(&total); err != nil {
		return Page[core.Credential]{}, fmt.Errorf("sqlite store count credentials: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, name, type, value, created_at, updated_at
FROM credentials
WHERE `+where+`
ORDER BY updated_at DESC, rowid DESC
LIMIT ? OFFSET ?`, append(args, opts.PageSize, opts.offset())...)
	if err != nil {
		return Page[core.Credential]{}, fmt.Errorf("sqlite store list credentials: %w", err)
	}
	defer rows.Close()

	var items []core.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return Page[core.Credential]{}, fmt.Errorf("sqlite store list credentials: %w", err)
		}
		cred.Value = ""
		items = append(items, cred)
	}
	if err := rows.Err(); err != nil {
		return Page[core.Credential]{}, fmt.Errorf("sqlite store list credentials: %w", err)
	}
	return NewPage(items, opts, total), nil
}

// UpdateCredential replaces the name, type and value of a user's credential.
func (s *SQLiteStore) UpdateCredential(ctx context.Context, cred core.Credential) (core.Credential, error) {
	if err := validateCredential(cred); err != nil {
		return core.Credential{}, err
	}
	encrypted, err := s.secrets.Encrypt(cred.Value)
	if err != nil {
		return core.Credential{}, fmt.Errorf("sqlite store encrypt credential: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE credentials
SET name = ?, type = ?, value = ?, updated_at = ?
WHERE id = ? AND user_id = ?`,
		strings.TrimSpace(cred.Name), string(cred.Type), encrypted, formatTime(s.timestamp()), cred.ID, cred.UserID,
	)
	if err != nil {
		return core.Credential{}, fmt.Errorf("sqlite store update credential: %w", err)
	}
	if err := requireAffected(res, ErrCredentialNotFound); err != nil {
		return core.Credential{}, err
	}
	updated, _, err := s.GetCredential(ctx, cred.UserID, cred.ID)
	return updated, err
}

// DeleteCredential removes a user's credential.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("sqlite store delete credential: %w", err)
	}
	return requireAffected(res, ErrCredentialNotFound)
}

func validateCredential(cred core.Credential) error {
	switch {
	case strings.TrimSpace(cred.UserID) == "":
		return errors.New("credential: user id is required")
	case strings.TrimSpace(cred.Name) == "":
		return errors.New("credential: name is required")
	case !cred.Type.Valid():
		return fmt.Errorf("credential: unsupported type %q", cred.Type)
	case cred.Value == "":
		return errors.New("credential: value is required")
	}
	return nil
}

func scanCredential(row rowScanner) (core.Credential, error) {
	var (
		cred                 core.Credential
		credType             string
		createdAt, updatedAt string
	)
	if err := row.Scan(&cred.ID, &cred.UserID, &cred.Name, &credType, &cred.Value, &createdAt, &updatedAt); err != nil {
		return core.Credential{}, err
	}
	cred.Type = core.CredentialType(credType)
	var err error
	if cred.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Credential{}, fmt.Errorf("parse created_at: %w", err)
	}
	if cred.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.Credential{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return cred, nil
}
