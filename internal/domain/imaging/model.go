package imaging

import (
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TypeXRay    = "xray"
	TypeMRI     = "mri"
	TypePhoto   = "photo"
	TypePosture = "posture"
	TypeOther   = "other"
)

var imageTypes = map[string]bool{
	TypeXRay: true, TypeMRI: true, TypePhoto: true, TypePosture: true, TypeOther: true,
}

// NormalizeImageType lowercases t and reports whether it is a known type.
func NormalizeImageType(t string) (string, bool) {
	t = strings.ToLower(strings.TrimSpace(t))
	return t, imageTypes[t]
}

// Image maps to the patient_image table. FilePath is the file store key and
// is never taken from the client.
type Image struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	ImageType   string
	FileName    string
	FilePath    string
	ContentType string
	FileSize    int64
	Description *string
	UploadedAt  time.Time
	UploaderID  *string
}

// ImageView is the API representation of an image.
type ImageView struct {
	ID          uuid.UUID `json:"id"`
	PatientID   uuid.UUID `json:"patientId"`
	ImageType   string    `json:"imageType"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	FileSize    int64     `json:"fileSize"`
	Description *string   `json:"description,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
	UploaderID  *string   `json:"uploaderId,omitempty"`
	URL         string    `json:"url"`
}

func (img *Image) view(urlPrefix string) *ImageView {
	return &ImageView{
		ID:          img.ID,
		PatientID:   img.PatientID,
		ImageType:   img.ImageType,
		FileName:    img.FileName,
		ContentType: img.ContentType,
		FileSize:    img.FileSize,
		Description: img.Description,
		UploadedAt:  img.UploadedAt,
		UploaderID:  img.UploaderID,
		URL:         strings.TrimRight(urlPrefix, "/") + "/images/" + img.ID.String() + "/download",
	}
}

// UploadInput describes one received file. Size is the size declared by the
// client; a negative value means unknown.
type UploadInput struct {
	PatientID   uuid.UUID
	FileName    string
	ContentType string
	Size        int64
	Content     io.Reader
	ImageType   string
	Description *string
}

// Download is an open image. The caller must close Content.
type Download struct {
	Image   *Image
	Content io.ReadCloser
}

// Config holds the upload rules.
type Config struct {
	MaxFileSize       int64
	AllowedExtensions []string
	// URLPrefix is prepended to download URLs, e.g. "/api/v1".
	URLPrefix string
}

const DefaultMaxFileSize = 50 << 20

var DefaultAllowedExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".dicom", ".dcm"}
