package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/balu-dk/ocpp-gateway/config"
	"github.com/balu-dk/ocpp-gateway/internal/db/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore handles database operations
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgreSQL connection pool
func NewPostgresStore(cfg *config.Config) (*PostgresStore, error) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the bundled schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		script, err := migrations.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(script)); err != nil {
			return fmt.Errorf("failed to apply %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// SaveChargingStation creates or updates a charging station. An empty
// password hash keeps the stored one.
func (s *PostgresStore) SaveChargingStation(ctx context.Context, cs *models.ChargingStation) error {
	query := `
		INSERT INTO charging_stations (
			tenant_id, id, basic_auth_password_hash, network_configuration_priority,
			is_online, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			basic_auth_password_hash = CASE WHEN $3 = '' THEN charging_stations.basic_auth_password_hash ELSE $3 END,
			network_configuration_priority = $4,
			updated_at = $7
	`

	now := time.Now()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	cs.UpdatedAt = now

	priority := cs.NetworkConfigurationPriority
	if priority == nil {
		priority = []int32{}
	}

	_, err := s.pool.Exec(ctx, query,
		cs.TenantID, cs.ID, cs.BasicAuthPasswordHash, priority,
		cs.IsOnline, cs.CreatedAt, cs.UpdatedAt,
	)
	return err
}

// GetChargingStation retrieves a charging station, or nil when it is not registered
func (s *PostgresStore) GetChargingStation(ctx context.Context, tenantID, stationID string) (*models.ChargingStation, error) {
	query := `
		SELECT
			tenant_id, id, basic_auth_password_hash, network_configuration_priority,
			is_online, created_at, updated_at
		FROM charging_stations
		WHERE tenant_id = $1 AND id = $2
	`

	cs := &models.ChargingStation{}
	err := s.pool.QueryRow(ctx, query, tenantID, stationID).Scan(
		&cs.TenantID, &cs.ID, &cs.BasicAuthPasswordHash, &cs.NetworkConfigurationPriority,
		&cs.IsOnline, &cs.CreatedAt, &cs.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// ChargingStationExists reports whether a device record exists
func (s *PostgresStore) ChargingStationExists(ctx context.Context, tenantID, stationID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM charging_stations WHERE tenant_id = $1 AND id = $2)`,
		tenantID, stationID,
	).Scan(&exists)
	return exists, err
}

// GetPasswordHash returns the Basic auth password hash of a station, or "" when none is set
func (s *PostgresStore) GetPasswordHash(ctx context.Context, tenantID, stationID string) (string, error) {
	cs, err := s.GetChargingStation(ctx, tenantID, stationID)
	if err != nil || cs == nil {
		return "", err
	}
	return cs.BasicAuthPasswordHash, nil
}

// GetNetworkConfigurationPriority returns the ordered network profile slots of a station
func (s *PostgresStore) GetNetworkConfigurationPriority(ctx context.Context, tenantID, stationID string) ([]int, error) {
	cs, err := s.GetChargingStation(ctx, tenantID, stationID)
	if err != nil || cs == nil {
		return nil, err
	}
	slots := make([]int, 0, len(cs.NetworkConfigurationPriority))
	for _, slot := range cs.NetworkConfigurationPriority {
		slots = append(slots, int(slot))
	}
	return slots, nil
}

// SaveNetworkProfile creates or updates a network profile slot
func (s *PostgresStore) SaveNetworkProfile(ctx context.Context, profile *models.NetworkProfile) error {
	query := `
		INSERT INTO network_profiles (
			tenant_id, station_id, slot, security_profile, ocpp_csms_url
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, station_id, slot) DO UPDATE SET
			security_profile = $4,
			ocpp_csms_url = $5
	`

	_, err := s.pool.Exec(ctx, query,
		profile.TenantID, profile.StationID, profile.Slot, profile.SecurityProfile, profile.OcppCsmsURL,
	)
	return err
}

// GetNetworkProfile retrieves one configuration slot, or nil when the slot is not configured
func (s *PostgresStore) GetNetworkProfile(ctx context.Context, tenantID, stationID string, slot int) (*models.NetworkProfile, error) {
	query := `
		SELECT tenant_id, station_id, slot, security_profile, ocpp_csms_url
		FROM network_profiles
		WHERE tenant_id = $1 AND station_id = $2 AND slot = $3
	`

	p := &models.NetworkProfile{}
	err := s.pool.QueryRow(ctx, query, tenantID, stationID, slot).Scan(
		&p.TenantID, &p.StationID, &p.Slot, &p.SecurityProfile, &p.OcppCsmsURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateChargingStationConnection updates the connection status of a charging station
func (s *PostgresStore) UpdateChargingStationConnection(ctx context.Context, tenantID, stationID string, online bool) error {
	query := `
		UPDATE charging_stations
		SET is_online = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4
	`

	_, err := s.pool.Exec(ctx, query, online, time.Now(), tenantID, stationID)
	return err
}

// LogOCPPMessage logs an OCPP message to the database
func (s *PostgresStore) LogOCPPMessage(ctx context.Context, msg *models.OCPPMessage) error {
	query := `
		INSERT INTO ocpp_messages (
			identifier, message_type, action, request_id, payload, direction, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.pool.Exec(ctx, query,
		msg.Identifier, msg.MessageType, msg.Action, msg.RequestID, msg.Payload, msg.Direction, msg.Timestamp,
	)
	return err
}
