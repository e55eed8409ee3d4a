package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lbpcare/lbp/internal/platform/apperr"
	"github.com/lbpcare/lbp/internal/platform/auth"
	"github.com/lbpcare/lbp/internal/platform/events"
	"github.com/lbpcare/lbp/pkg/pagination"
)

// Column limits of the patient table.
const (
	maxStudyIDLength = 64
	maxNameLength    = 200
	maxGenderLength  = 32
	maxPhoneLength   = 50
	maxAge           = 150
)

// Transactor runs fn inside a transaction carried by the context it is given.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo      Repository
	tx        Transactor
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, tx Transactor) *Service {
	return &Service{
		repo:      repo,
		tx:        tx,
		publisher: events.Nop{},
		logger:    zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher sets the sink for patient events.
func (s *Service) SetPublisher(p events.Publisher) {
	s.publisher = p
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

func (s *Service) CreatePatient(ctx context.Context, in *PatientInput) (*Patient, error) {
	if in == nil || in.StudyID == nil || strings.TrimSpace(*in.StudyID) == "" {
		return nil, apperr.WithMessage(apperr.ErrValidation, "studyId is required")
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	p := &Patient{ID: uuid.New()}
	in.apply(p)

	exists, err := s.repo.ExistsByStudyID(ctx, p.StudyID)
	if err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	if exists {
		return nil, apperr.WithMessage(apperr.ErrDuplicateStudyID, "study id %q is already in use", p.StudyID)
	}

	p.CreatedAt = s.now()
	p.CreatorID = actor(ctx)
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	s.publish(ctx, events.PatientCreated, p)
	return p, nil
}

// UpdatePatient merges the supplied fields into the stored patient.
func (s *Service) UpdatePatient(ctx context.Context, id uuid.UUID, in *PatientInput) (*Patient, error) {
	if in == nil {
		in = &PatientInput{}
	}
	if in.StudyID != nil && strings.TrimSpace(*in.StudyID) == "" {
		return nil, apperr.WithMessage(apperr.ErrValidation, "studyId cannot be blank")
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	var updated *Patient
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}

		if in.StudyID != nil {
			studyID := strings.TrimSpace(*in.StudyID)
			if studyID != p.StudyID {
				other, err := s.repo.GetByStudyID(ctx, studyID)
				switch {
				case err == nil && other.ID != p.ID:
					return apperr.WithMessage(apperr.ErrDuplicateStudyID, "study id %q is already in use", studyID)
				case err != nil && !errors.Is(err, apperr.ErrPatientNotFound):
					return err
				}
			}
		}

		in.apply(p)
		now := s.now()
		p.UpdatedAt = &now
		p.LastModifierID = actor(ctx)
		if err := s.repo.Update(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.PatientUpdated, updated)
	return updated, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetPatientByStudyID(ctx context.Context, studyID string) (*Patient, error) {
	studyID = strings.TrimSpace(studyID)
	if studyID == "" {
		return nil, apperr.ErrPatientNotFound
	}
	return s.repo.GetByStudyID(ctx, studyID)
}

// PatientExists reports whether an active patient with id exists.
func (s *Service) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, err := s.repo.GetByID(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, apperr.ErrPatientNotFound) {
		return false, nil
	}
	return false, err
}

func (s *Service) ExistsByStudyID(ctx context.Context, studyID string) (bool, error) {
	studyID = strings.TrimSpace(studyID)
	if studyID == "" {
		return false, apperr.WithMessage(apperr.ErrValidation, "studyId is required")
	}
	return s.repo.ExistsByStudyID(ctx, studyID)
}

// ListByWorkspace returns one page of the workspace's active patients and
// the total number of them.
func (s *Service) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, page, pageSize int, sort Sort) ([]*Patient, int, error) {
	pg := pagination.New(page, pageSize)
	return s.repo.List(ctx, ListParams{
		WorkspaceID: &workspaceID,
		Sort:        sort,
		Limit:       pg.Limit(),
		Offset:      pg.Offset(),
	})
}

func (s *Service) ListPatients(ctx context.Context, params ListParams) ([]*Patient, int, error) {
	if params.Limit <= 0 || params.Limit > pagination.MaxPageSize {
		params.Limit = pagination.DefaultPageSize
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	return s.repo.List(ctx, params)
}

// DeletePatient soft-deletes the patient and returns its final state.
func (s *Service) DeletePatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var deleted *Patient
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		deleter := actor(ctx)
		if err := s.repo.SoftDelete(ctx, id, deleter, now); err != nil {
			return err
		}
		p.IsDeleted = true
		p.DeletedAt = &now
		p.DeleterID = deleter
		deleted = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.PatientDeleted, deleted)
	return deleted, nil
}

func validateInput(in *PatientInput) error {
	if in.StudyID != nil && utf8.RuneCountInString(strings.TrimSpace(*in.StudyID)) > maxStudyIDLength {
		return apperr.WithMessage(apperr.ErrValidation, "studyId must be at most %d characters", maxStudyIDLength)
	}
	for _, f := range []struct {
		field string
		value *string
		max   int
	}{
		{"name", in.Name, maxNameLength},
		{"gender", in.Gender, maxGenderLength},
		{"phone", in.Phone, maxPhoneLength},
		{"workspaceName", in.WorkspaceName, maxNameLength},
		{"doctorName", in.DoctorName, maxNameLength},
	} {
		if f.value != nil && utf8.RuneCountInString(*f.value) > f.max {
			return apperr.WithMessage(apperr.ErrValidation, "%s must be at most %d characters", f.field, f.max)
		}
	}
	if in.Age != nil && (*in.Age < 0 || *in.Age > maxAge) {
		return apperr.WithMessage(apperr.ErrValidation, "age must be between 0 and %d", maxAge)
	}
	for _, doc := range in.documents() {
		if present(doc.raw) && !json.Valid(doc.raw) {
			return apperr.WithMessage(apperr.ErrValidation, "%s must be valid JSON", doc.field)
		}
	}
	return nil
}

func actor(ctx context.Context) *string {
	if id := auth.UserIDFromContext(ctx); id != "" {
		return &id
	}
	return nil
}

// eventPayload is the patient summary carried by patient events. Clinical
// documents stay out of the stream.
type eventPayload struct {
	StudyID     string     `json:"studyId"`
	WorkspaceID *uuid.UUID `json:"workspaceId,omitempty"`
	DoctorID    *uuid.UUID `json:"doctorId,omitempty"`
}

func (s *Service) publish(ctx context.Context, eventType string, p *Patient) {
	evt, err := events.New(eventType, p.ID.String(), p.ID.String(), eventPayload{
		StudyID:     p.StudyID,
		WorkspaceID: p.WorkspaceID,
		DoctorID:    p.DoctorID,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to build patient event")
		return
	}
	if p.WorkspaceID != nil {
		evt.WorkspaceID = p.WorkspaceID.String()
	}
	if a := actor(ctx); a != nil {
		evt.ActorID = *a
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).
			Str("event", eventType).
			Str("patient_id", p.ID.String()).
			Msg("failed to publish patient event")
	}
}
