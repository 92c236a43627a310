package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mosaiclabs/mosaic/pkg/models"
)

// ArtifactStore owns typed payload blobs attached to jobs. One row per
// (job_id, type); a second save overwrites the payload.
type ArtifactStore struct {
	db    *sql.DB
	clock models.Clock
}

// NewArtifactStore creates an artifact store.
func NewArtifactStore(db *sql.DB, clock models.Clock) *ArtifactStore {
	return &ArtifactStore{db: db, clock: clock}
}

// Save upserts an artifact. ID and CreatedAt are filled in.
func (s *ArtifactStore) Save(ctx context.Context, artifact *models.Artifact) error {
	return WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.SaveTx(ctx, tx, artifact)
	})
}

// SaveTx upserts an artifact inside the caller's transaction, so a
// card's artifact lands before or with its completion event.
func (s *ArtifactStore) SaveTx(ctx context.Context, tx *sql.Tx, artifact *models.Artifact) error {
	payloadJSON, err := marshalMap(artifact.Payload)
	if err != nil {
		return err
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = s.clock.Now().UTC()
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO artifacts (job_id, card_id, type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (job_id, type)
		 DO UPDATE SET card_id = EXCLUDED.card_id, payload = EXCLUDED.payload
		 RETURNING id, created_at`,
		artifact.JobID, artifact.CardID, artifact.Type, payloadJSON, artifact.CreatedAt).
		Scan(&artifact.ID, &artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save artifact %s: %w", artifact.Type, err)
	}
	return nil
}

// Get fetches one artifact of a job by type.
func (s *ArtifactStore) Get(ctx context.Context, jobID, artifactType string) (*models.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, card_id, type, payload, created_at
		 FROM artifacts WHERE job_id = $1 AND type = $2`,
		jobID, artifactType)
	artifact, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("artifact %s/%s: %w", jobID, artifactType, ErrNotFound)
		}
		return nil, err
	}
	return artifact, nil
}

// ListForJob returns all artifacts of a job ordered by type.
func (s *ArtifactStore) ListForJob(ctx context.Context, jobID string) ([]*models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, card_id, type, payload, created_at
		 FROM artifacts WHERE job_id = $1 ORDER BY type`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*models.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var artifact models.Artifact
	var payloadRaw []byte
	err := row.Scan(&artifact.ID, &artifact.JobID, &artifact.CardID,
		&artifact.Type, &payloadRaw, &artifact.CreatedAt)
	if err != nil {
		return nil, err
	}
	artifact.Payload, err = unmarshalMap(payloadRaw)
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}
