package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	connector "github.com/andersh/bifrost/internal"
)

// CreateOrganization inserts a new organization.
func (s *Store) CreateOrganization(ctx context.Context, org *connector.Organization) error {
	createdAt := org.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := org.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO organizations (id, name, region, data_residency, total_spend_usd, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.Region, org.DataResidency, org.TotalSpendUSD,
		createdAt.UTC().Format(time.RFC3339), updatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*connector.Organization, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, region, data_residency, total_spend_usd, created_at, updated_at
		 FROM organizations WHERE id=?`, id,
	)
	return scanOrg(row)
}

// ListOrganizations returns all organizations.
func (s *Store) ListOrganizations(ctx context.Context, offset, limit int) ([]*connector.Organization, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, region, data_residency, total_spend_usd, created_at, updated_at
		 FROM organizations ORDER BY name LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []*connector.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// UpdateOrganization updates an organization's profile fields. Spend is
// written only through AddSpend.
func (s *Store) UpdateOrganization(ctx context.Context, org *connector.Organization) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE organizations SET name=?, region=?, data_residency=?, updated_at=?
		 WHERE id=?`,
		org.Name, org.Region, org.DataResidency,
		time.Now().UTC().Format(time.RFC3339), org.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "organization")
}

// DeleteOrganization removes an organization.
func (s *Store) DeleteOrganization(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM organizations WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "organization")
}

// AddSpend accumulates LLM spend onto an organization's rolling total.
func (s *Store) AddSpend(ctx context.Context, orgID string, costUSD float64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE organizations SET total_spend_usd = total_spend_usd + ?, updated_at=?
		 WHERE id=?`,
		costUSD, time.Now().UTC().Format(time.RFC3339), orgID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "organization")
}

func scanOrg(s scanner) (*connector.Organization, error) {
	var o connector.Organization
	var createdAt, updatedAt sql.NullString

	err := s.Scan(&o.ID, &o.Name, &o.Region, &o.DataResidency, &o.TotalSpendUSD, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	if t := parseTime(createdAt); t != nil {
		o.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		o.UpdatedAt = *t
	}
	return &o, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to connector.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return connector.ErrNotFound
	}
	return err
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, connector.ErrNotFound)
	}
	return nil
}
