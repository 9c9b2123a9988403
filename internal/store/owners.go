package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/apikeyd/apikeyd/internal/model"
)

type ownerRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r ownerRow) toModel() model.Owner {
	return model.Owner{
		ID:        r.ID,
		Name:      r.Name,
		Email:     r.Email,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// CreateOwner inserts o. CreatedAt and UpdatedAt are set on o.
func (s *Store) CreateOwner(ctx context.Context, o *model.Owner) error {
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO owners
		(id, name, email, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		o.ID, o.Name, o.Email, o.IsActive, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert owner: %w", err)
	}
	return nil
}

// GetOwner returns the owner with the given ID.
func (s *Store) GetOwner(ctx context.Context, id string) (*model.Owner, error) {
	var row ownerRow
	if err := s.db.GetContext(ctx, &row, s.q("SELECT * FROM owners WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get owner: %w", err)
	}
	o := row.toModel()
	return &o, nil
}

// ListOwners returns all owners ordered by name.
func (s *Store) ListOwners(ctx context.Context) ([]model.Owner, error) {
	var rows []ownerRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM owners ORDER BY name"); err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	owners := make([]model.Owner, len(rows))
	for i, r := range rows {
		owners[i] = r.toModel()
	}
	return owners, nil
}

// UpdateOwner saves the name and active flag of o.
func (s *Store) UpdateOwner(ctx context.Context, o *model.Owner) error {
	o.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		s.q("UPDATE owners SET name = ?, is_active = ?, updated_at = ? WHERE id = ?"),
		o.Name, o.IsActive, o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("update owner: %w", err)
	}
	return requireRow(result, "update owner")
}

func requireRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
