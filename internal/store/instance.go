package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/clawdeploy/clawd/internal/id"
)

// Instance lifecycle statuses.
const (
	StatusCreating = "creating"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusUpdating = "updating"
	StatusError    = "error"
)

// Instance is a user-owned deployed unit backed by one container,
// one host port and one config bundle. ContainerID and Port are both
// nil until the container is launched, then both set.
type Instance struct {
	ID           string
	Name         string
	Channel      string // "telegram", "discord" or ""
	BotToken     string
	AIProvider   string
	APIKey       string
	Region       string
	InstanceType string
	UserID       string
	Status       string
	ContainerID  *string
	Port         *int
	GatewayToken *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Redacted returns a copy safe to return to external callers:
// bot token, API key and gateway token are cleared.
func (i Instance) Redacted() Instance {
	i.BotToken = ""
	i.APIKey = ""
	i.GatewayToken = nil
	return i
}

const instanceColumns = `id, name, channel, bot_token, ai_provider, api_key,
	region, instance_type, user_id, status, container_id, port, gateway_token,
	created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	var inst Instance
	var botToken, aiProvider, apiKey, containerID, gatewayToken sql.NullString
	var port sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(&inst.ID, &inst.Name, &inst.Channel, &botToken, &aiProvider,
		&apiKey, &inst.Region, &inst.InstanceType, &inst.UserID, &inst.Status,
		&containerID, &port, &gatewayToken, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inst.BotToken = botToken.String
	inst.AIProvider = aiProvider.String
	inst.APIKey = apiKey.String
	if containerID.Valid {
		inst.ContainerID = &containerID.String
	}
	if port.Valid {
		p := int(port.Int64)
		inst.Port = &p
	}
	if gatewayToken.Valid {
		inst.GatewayToken = &gatewayToken.String
	}
	inst.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &inst, nil
}

// CreateInstance inserts a new instance record in "creating" status and
// returns it. The ID is generated here.
func (s *Store) CreateInstance(inst Instance) (*Instance, error) {
	if inst.ID == "" {
		inst.ID = id.Generate("inst")
	}
	now := time.Now().UTC()
	inst.Status = StatusCreating
	inst.CreatedAt = now
	inst.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO instances (id, name, channel, bot_token, ai_provider, api_key,
			region, instance_type, user_id, status, container_id, port, gateway_token,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?)
	`, inst.ID, inst.Name, inst.Channel, nullable(inst.BotToken), nullable(inst.AIProvider),
		nullable(inst.APIKey), inst.Region, inst.InstanceType, inst.UserID, inst.Status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("inserting instance: %w", err)
	}
	return &inst, nil
}

// GetInstance returns the instance by id, regardless of owner.
func (s *Store) GetInstance(instanceID string) (*Instance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, instanceID)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading instance: %w", err)
	}
	return inst, nil
}

// GetOwnedInstance returns the instance only if userID owns it.
// A foreign instance reads as ErrNotFound.
func (s *Store) GetOwnedInstance(instanceID, userID string) (*Instance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE id = ? AND user_id = ?`,
		instanceID, userID)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading instance: %w", err)
	}
	return inst, nil
}

// FindPlaceholder returns an instance for owner+name still in "creating"
// status with no container. A retried create reuses such a record
// instead of inserting a duplicate.
func (s *Store) FindPlaceholder(userID, name string) (*Instance, error) {
	row := s.db.QueryRow(`
		SELECT `+instanceColumns+` FROM instances
		WHERE user_id = ? AND name = ? AND status = ? AND container_id IS NULL
		ORDER BY created_at ASC LIMIT 1
	`, userID, name, StatusCreating)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading placeholder: %w", err)
	}
	return inst, nil
}

// SetInstanceRuntime records the launched container on the instance and
// moves it to the given status (normally "running").
func (s *Store) SetInstanceRuntime(instanceID, containerID string, port int, gatewayToken, status string) error {
	res, err := s.db.Exec(`
		UPDATE instances SET container_id = ?, port = ?, gateway_token = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, containerID, port, gatewayToken, status, time.Now().UTC().Format(time.RFC3339Nano), instanceID)
	if err != nil {
		return fmt.Errorf("updating instance runtime: %w", err)
	}
	return oneRow(res)
}

// ClearInstanceRuntime nulls container and port together, preserving the
// both-or-neither invariant, and sets the given status.
func (s *Store) ClearInstanceRuntime(instanceID, status string) error {
	res, err := s.db.Exec(`
		UPDATE instances SET container_id = NULL, port = NULL, status = ?, updated_at = ?
		WHERE id = ?
	`, status, time.Now().UTC().Format(time.RFC3339Nano), instanceID)
	if err != nil {
		return fmt.Errorf("clearing instance runtime: %w", err)
	}
	return oneRow(res)
}

// SetInstanceStatus updates status by id regardless of owner. Used for
// compensating transitions (status=error) where the record is already
// known to the caller.
func (s *Store) SetInstanceStatus(instanceID, status string) error {
	res, err := s.db.Exec(`UPDATE instances SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), instanceID)
	if err != nil {
		return fmt.Errorf("updating instance status: %w", err)
	}
	return oneRow(res)
}

// UpdateStatusOwned updates status only on the row matching both id and
// owner, returning the number of rows affected. Callers treat
// anything other than exactly one row as not-found.
func (s *Store) UpdateStatusOwned(instanceID, userID, status string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE instances SET status = ?, updated_at = ? WHERE id = ? AND user_id = ?
	`, status, time.Now().UTC().Format(time.RFC3339Nano), instanceID, userID)
	if err != nil {
		return 0, fmt.Errorf("updating instance status: %w", err)
	}
	return res.RowsAffected()
}

// DeleteInstance removes the record.
func (s *Store) DeleteInstance(instanceID string) error {
	res, err := s.db.Exec(`DELETE FROM instances WHERE id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("deleting instance: %w", err)
	}
	return oneRow(res)
}

// ListRunning returns all instances in "running" status, ordered by id
// so the generated proxy config is deterministic.
func (s *Store) ListRunning() ([]*Instance, error) {
	return s.listWhere(`status = ?`, StatusRunning)
}

// ListByOwner returns all instances owned by userID, newest first.
func (s *Store) ListByOwner(userID string) ([]*Instance, error) {
	rows, err := s.db.Query(`
		SELECT `+instanceColumns+` FROM instances WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()
	return collectInstances(rows)
}

func (s *Store) listWhere(where string, args ...any) ([]*Instance, error) {
	rows, err := s.db.Query(`SELECT `+instanceColumns+` FROM instances WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	defer rows.Close()
	return collectInstances(rows)
}

func collectInstances(rows *sql.Rows) ([]*Instance, error) {
	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
