package imaging

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, img *Image) error
	GetByID(ctx context.Context, id uuid.UUID) (*Image, error)
	// ListByPatient returns the newest images first.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Image, error)
	UpdateDescription(ctx context.Context, id uuid.UUID, description *string) error
	Delete(ctx context.Context, id uuid.UUID) error
}
