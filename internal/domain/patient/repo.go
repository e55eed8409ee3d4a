package patient

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists patients. Reads never return soft-deleted rows.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// GetForUpdate reads the patient and locks its row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByStudyID(ctx context.Context, studyID string) (*Patient, error)
	ExistsByStudyID(ctx context.Context, studyID string) (bool, error)
	Update(ctx context.Context, p *Patient) error
	SoftDelete(ctx context.Context, id uuid.UUID, deleterID *string, at time.Time) error
	List(ctx context.Context, params ListParams) ([]*Patient, int, error)
}
