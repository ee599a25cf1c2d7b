package persist

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Profile is a player's last known state: the global position and the shard
// that was simulating them when they disconnected.
type Profile struct {
	Name      string
	UUID      uuid.UUID
	X         float64
	Y         float64
	Z         float64
	Shard     int32
	UpdatedAt time.Time
}

type ProfileRepo struct {
	db *DB
}

func NewProfileRepo(db *DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// Load returns the stored profile, or nil when the player is new.
func (r *ProfileRepo) Load(ctx context.Context, name string) (*Profile, error) {
	p := &Profile{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT name, uuid, x, y, z, shard_id, updated_at
		 FROM profiles WHERE name = $1`, name,
	).Scan(&p.Name, &p.UUID, &p.X, &p.Y, &p.Z, &p.Shard, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Save upserts the profile keyed by player name.
func (r *ProfileRepo) Save(ctx context.Context, p *Profile) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO profiles (name, uuid, x, y, z, shard_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (name) DO UPDATE SET
		   uuid = EXCLUDED.uuid,
		   x = EXCLUDED.x,
		   y = EXCLUDED.y,
		   z = EXCLUDED.z,
		   shard_id = EXCLUDED.shard_id,
		   updated_at = now()`,
		p.Name, p.UUID, p.X, p.Y, p.Z, p.Shard,
	)
	return err
}
