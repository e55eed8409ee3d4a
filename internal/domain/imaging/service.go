package imaging

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lbpcare/lbp/internal/platform/apperr"
	"github.com/lbpcare/lbp/internal/platform/auth"
	"github.com/lbpcare/lbp/internal/platform/blobstore"
	"github.com/lbpcare/lbp/internal/platform/events"
)

// keyPrefix is the file store directory holding all patient images.
const keyPrefix = "patient-images"

const octetStream = "application/octet-stream"

// Column limits of the patient_image table.
const (
	maxFileNameLength    = 255
	maxContentTypeLength = 100
)

// PatientLookup answers whether a patient is active.
type PatientLookup interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
}

type Service struct {
	repo       Repository
	patients   PatientLookup
	store      blobstore.FileStore
	cfg        Config
	extensions map[string]bool
	publisher  events.Publisher
	logger     zerolog.Logger
	now        func() time.Time
}

// NewService fills zero Config fields with the defaults.
func NewService(repo Repository, patients PatientLookup, store blobstore.FileStore, cfg Config) *Service {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = DefaultAllowedExtensions
	}
	exts := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, e := range cfg.AllowedExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Service{
		repo:       repo,
		patients:   patients,
		store:      store,
		cfg:        cfg,
		extensions: exts,
		publisher:  events.Nop{},
		logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetPublisher(p events.Publisher) {
	s.publisher = p
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// Upload validates the file, writes it to the store and records it. The file
// is removed again if the record cannot be written.
func (s *Service) Upload(ctx context.Context, in *UploadInput) (*ImageView, error) {
	if err := s.requirePatient(ctx, in.PatientID, apperr.ErrPatientNotFound); err != nil {
		return nil, err
	}
	if in.Size == 0 {
		return nil, apperr.ErrFileEmpty
	}
	if in.Size > s.cfg.MaxFileSize {
		return nil, apperr.WithMessage(apperr.ErrFileTooLarge, "file exceeds the %d byte limit", s.cfg.MaxFileSize)
	}

	fileName := baseName(in.FileName)
	ext := strings.ToLower(path.Ext(fileName))
	if !s.extensions[ext] {
		return nil, apperr.WithMessage(apperr.ErrInvalidFileType, "file type %q is not allowed", ext)
	}
	imageType, ok := NormalizeImageType(in.ImageType)
	if !ok {
		return nil, apperr.ErrInvalidImageType
	}
	if utf8.RuneCountInString(fileName) > maxFileNameLength {
		return nil, apperr.WithMessage(apperr.ErrValidation, "file name must be at most %d characters", maxFileNameLength)
	}

	img := &Image{
		ID:          uuid.New(),
		PatientID:   in.PatientID,
		ImageType:   imageType,
		FileName:    fileName,
		ContentType: contentType(in.ContentType, ext),
		Description: in.Description,
		UploaderID:  actor(ctx),
	}
	img.FilePath = fmt.Sprintf("%s/%s/%s%s", keyPrefix, in.PatientID, uuid.New(), ext)

	n, err := s.store.Save(ctx, img.FilePath, in.Content, s.cfg.MaxFileSize)
	if err != nil {
		switch {
		case errors.Is(err, blobstore.ErrTooLarge):
			return nil, apperr.WithMessage(apperr.ErrFileTooLarge, "file exceeds the %d byte limit", s.cfg.MaxFileSize)
		case errors.Is(err, blobstore.ErrEmpty):
			return nil, apperr.ErrFileEmpty
		}
		return nil, fmt.Errorf("store image: %w", err)
	}
	img.FileSize = n
	img.UploadedAt = s.now()

	if err := s.repo.Create(ctx, img); err != nil {
		if rmErr := s.store.Remove(context.WithoutCancel(ctx), img.FilePath); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("path", img.FilePath).Msg("failed to remove orphaned image file")
		}
		return nil, err
	}

	s.publish(ctx, events.ImageUploaded, img)
	return img.view(s.cfg.URLPrefix), nil
}

// ListByPatient returns the patient's images, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*ImageView, error) {
	if err := s.requirePatient(ctx, patientID, apperr.ErrPatientNotFound); err != nil {
		return nil, err
	}
	images, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	views := make([]*ImageView, 0, len(images))
	for _, img := range images {
		views = append(views, img.view(s.cfg.URLPrefix))
	}
	return views, nil
}

func (s *Service) GetImage(ctx context.Context, id uuid.UUID) (*ImageView, error) {
	img, err := s.getImage(ctx, id)
	if err != nil {
		return nil, err
	}
	return img.view(s.cfg.URLPrefix), nil
}

// Download opens the stored file of the image.
func (s *Service) Download(ctx context.Context, id uuid.UUID) (*Download, error) {
	img, err := s.getImage(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := s.store.Open(ctx, img.FilePath)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotExist) {
			return nil, apperr.Wrap(apperr.ErrFileNotFound, err)
		}
		return nil, fmt.Errorf("open image %s: %w", img.ID, err)
	}
	return &Download{Image: img, Content: rc}, nil
}

// UpdateDescription replaces the description. nil leaves it unchanged and a
// blank string clears it.
func (s *Service) UpdateDescription(ctx context.Context, id uuid.UUID, description *string) (*ImageView, error) {
	img, err := s.getImage(ctx, id)
	if err != nil {
		return nil, err
	}
	if description == nil {
		return img.view(s.cfg.URLPrefix), nil
	}
	if strings.TrimSpace(*description) == "" {
		description = nil
	}
	if err := s.repo.UpdateDescription(ctx, id, description); err != nil {
		return nil, err
	}
	img.Description = description
	return img.view(s.cfg.URLPrefix), nil
}

// Delete removes the file and then the record. A file that is already gone
// does not fail the delete.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (*ImageView, error) {
	img, err := s.getImage(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.store.Remove(ctx, img.FilePath); err != nil {
		if errors.Is(err, blobstore.ErrNotExist) {
			s.logger.Info().Str("image_id", img.ID.String()).Str("path", img.FilePath).Msg("image file already missing")
		} else {
			s.logger.Warn().Err(err).Str("image_id", img.ID.String()).Str("path", img.FilePath).Msg("failed to remove image file")
		}
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return nil, err
	}

	s.publish(ctx, events.ImageDeleted, img)
	return img.view(s.cfg.URLPrefix), nil
}

// getImage loads an image whose patient is still active.
func (s *Service) getImage(ctx context.Context, id uuid.UUID) (*Image, error) {
	img, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requirePatient(ctx, img.PatientID, apperr.ErrImageNotFound); err != nil {
		return nil, err
	}
	return img, nil
}

func (s *Service) requirePatient(ctx context.Context, patientID uuid.UUID, notFound *apperr.Error) error {
	ok, err := s.patients.PatientExists(ctx, patientID)
	if err != nil {
		return fmt.Errorf("look up patient %s: %w", patientID, err)
	}
	if !ok {
		return notFound
	}
	return nil
}

// contentType keeps the declared media type, without parameters, unless it
// is missing, generic or longer than the column allows.
func contentType(declared, ext string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != octetStream && len(mt) <= maxContentTypeLength {
		return mt
	}
	switch ext {
	case ".dcm", ".dicom":
		return "application/dicom"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return octetStream
}

// baseName drops any directory part a client sent with the file name.
func baseName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func actor(ctx context.Context) *string {
	if id := auth.UserIDFromContext(ctx); id != "" {
		return &id
	}
	return nil
}

type eventPayload struct {
	ImageType string `json:"imageType"`
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
}

func (s *Service) publish(ctx context.Context, eventType string, img *Image) {
	evt, err := events.New(eventType, img.ID.String(), img.PatientID.String(), eventPayload{
		ImageType: img.ImageType,
		FileName:  img.FileName,
		FileSize:  img.FileSize,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to build image event")
		return
	}
	if a := actor(ctx); a != nil {
		evt.ActorID = *a
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn().Err(err).
			Str("event", eventType).
			Str("image_id", img.ID.String()).
			Msg("failed to publish image event")
	}
}
