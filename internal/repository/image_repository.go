package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"eyecare/api/internal/models"
)

var ErrImageNotFound = errors.New("image not found")

const imageColumns = `
	id, case_id, primary_key, thumbnail_key, backend_kind, image_type, eye_side,
	captured_at, description, display_order, file_size_bytes, mime_type,
	width, height, checksum, uploaded_by, created_at`

type ImageRepository struct {
	pool *pgxpool.Pool
}

func NewImageRepository(pool *pgxpool.Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

// CreateWithNextOrder inserts image with display_order set to one past the
// case's current maximum. A transaction-scoped advisory lock keyed on the
// case id serializes concurrent uploads to the same case.
func (r *ImageRepository) CreateWithNextOrder(ctx context.Context, image models.Image) (models.Image, error) {
	const lockQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`
	const nextQuery = `SELECT COALESCE(MAX(display_order), 0) + 1 FROM clinical_images WHERE case_id = $1`
	const insertQuery = `
		INSERT INTO clinical_images (
			id, case_id, primary_key, thumbnail_key, backend_kind, image_type, eye_side,
			captured_at, description, display_order, file_size_bytes, mime_type,
			width, height, checksum, uploaded_by, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, NOW()
		)
		RETURNING created_at
	`

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockQuery, image.CaseID); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, nextQuery, image.CaseID).Scan(&image.Order); err != nil {
			return err
		}
		return tx.QueryRow(ctx, insertQuery,
			image.ID,
			image.CaseID,
			image.PrimaryKey,
			image.ThumbnailKey,
			image.BackendKind,
			image.ImageType,
			image.EyeSide,
			image.CapturedAt,
			image.Description,
			image.Order,
			image.FileSizeBytes,
			image.MimeType,
			image.Width,
			image.Height,
			image.Checksum,
			image.UploadedBy,
		).Scan(&image.CreatedAt)
	})
	if err != nil {
		return models.Image{}, err
	}
	return image, nil
}

func (r *ImageRepository) GetByID(ctx context.Context, id string) (models.Image, error) {
	const query = `SELECT ` + imageColumns + ` FROM clinical_images WHERE id = $1`

	image, err := scanImage(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Image{}, ErrImageNotFound
		}
		return models.Image{}, err
	}
	return image, nil
}

func (r *ImageRepository) ListByCase(ctx context.Context, caseID string) ([]models.Image, error) {
	const query = `
		SELECT ` + imageColumns + `
		FROM clinical_images
		WHERE case_id = $1
		ORDER BY display_order ASC, created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, err
	}
	return collectImages(rows)
}

func (r *ImageRepository) List(ctx context.Context, limit, offset int) ([]models.Image, error) {
	const query = `
		SELECT ` + imageColumns + `
		FROM clinical_images
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectImages(rows)
}

func (r *ImageRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM clinical_images WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrImageNotFound
	}
	return nil
}

// ReferencedKeys returns the subset of keys that some record uses as its
// primary key.
func (r *ImageRepository) ReferencedKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	const query = `SELECT primary_key FROM clinical_images WHERE primary_key = ANY($1)`

	referenced := make(map[string]struct{}, len(keys))
	if len(keys) == 0 {
		return referenced, nil
	}

	rows, err := r.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		referenced[key] = struct{}{}
	}
	return referenced, rows.Err()
}

func scanImage(row pgx.Row) (models.Image, error) {
	var image models.Image
	err := row.Scan(
		&image.ID,
		&image.CaseID,
		&image.PrimaryKey,
		&image.ThumbnailKey,
		&image.BackendKind,
		&image.ImageType,
		&image.EyeSide,
		&image.CapturedAt,
		&image.Description,
		&image.Order,
		&image.FileSizeBytes,
		&image.MimeType,
		&image.Width,
		&image.Height,
		&image.Checksum,
		&image.UploadedBy,
		&image.CreatedAt,
	)
	return image, err
}

func collectImages(rows pgx.Rows) ([]models.Image, error) {
	defer rows.Close()

	var images []models.Image
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, rows.Err()
}
