package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"eyecare/api/internal/access"
)

// OwnerRepository resolves the owning patient of clinical records. The
// tables belong to the records layer; this package only reads them.
type OwnerRepository struct {
	pool *pgxpool.Pool
}

func NewOwnerRepository(pool *pgxpool.Pool) *OwnerRepository {
	return &OwnerRepository{pool: pool}
}

func (r *OwnerRepository) CaseOwner(ctx context.Context, caseID string) (string, error) {
	const query = `SELECT patient_id FROM cases WHERE id = $1`
	return r.owner(ctx, query, caseID)
}

func (r *OwnerRepository) ImageOwner(ctx context.Context, imageID string) (string, error) {
	const query = `
		SELECT c.patient_id
		FROM clinical_images i
		JOIN cases c ON c.id = i.case_id
		WHERE i.id = $1
	`
	return r.owner(ctx, query, imageID)
}

func (r *OwnerRepository) MedicationOwner(ctx context.Context, medicationID string) (string, error) {
	const query = `
		SELECT c.patient_id
		FROM medications m
		JOIN cases c ON c.id = m.case_id
		WHERE m.id = $1
	`
	return r.owner(ctx, query, medicationID)
}

func (r *OwnerRepository) VisionTestOwner(ctx context.Context, testID string) (string, error) {
	const query = `
		SELECT c.patient_id
		FROM vision_tests v
		JOIN cases c ON c.id = v.case_id
		WHERE v.id = $1
	`
	return r.owner(ctx, query, testID)
}

// Register binds every lookup to guard.
func (r *OwnerRepository) Register(guard *access.Guard) *access.Guard {
	return guard.
		Register(access.KindCase, r.CaseOwner).
		Register(access.KindImage, r.ImageOwner).
		Register(access.KindMedication, r.MedicationOwner).
		Register(access.KindVisionTest, r.VisionTestOwner)
}

func (r *OwnerRepository) owner(ctx context.Context, query, id string) (string, error) {
	var patientID string
	if err := r.pool.QueryRow(ctx, query, id).Scan(&patientID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", access.ErrNotFound
		}
		return "", err
	}
	return patientID, nil
}
