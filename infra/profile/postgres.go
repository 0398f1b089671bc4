// Package profile provides the Postgres-backed driver profile store.
package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/citycab/dispatch/core/model"
	"github.com/citycab/dispatch/core/profile"
)

// Config holds the Postgres connection settings.
type Config struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

// PostgresStore reads driver profiles from the driver_profiles table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to the given DSN and verifies the
// connection with a ping.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Find returns the profile for the given driver id, or profile.ErrNotFound
// when no row exists.
func (s *PostgresStore) Find(ctx context.Context, driverID string) (model.DriverProfile, error) {
	const q = `
		SELECT driver_id, name, vehicle_class, vehicle_model, license_plate, profile_image, vehicle_image
		FROM driver_profiles
		WHERE driver_id = $1`

	var p model.DriverProfile
	err := s.pool.QueryRow(ctx, q, driverID).Scan(
		&p.DriverID,
		&p.Name,
		&p.VehicleClass,
		&p.VehicleModel,
		&p.LicensePlate,
		&p.ProfileImage,
		&p.VehicleImage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DriverProfile{}, profile.ErrNotFound
		}
		return model.DriverProfile{}, fmt.Errorf("query driver profile: %w", err)
	}
	return p, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
