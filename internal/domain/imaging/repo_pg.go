package imaging

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lbpcare/lbp/internal/platform/apperr"
	"github.com/lbpcare/lbp/internal/platform/db"
)

type imageRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &imageRepoPG{pool: pool}
}

const imageCols = `id, patient_id, image_type, file_name, file_path, content_type, file_size,
	description, uploaded_at, uploader_id`

func (r *imageRepoPG) Create(ctx context.Context, img *Image) error {
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patient_image (`+imageCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		img.ID, img.PatientID, img.ImageType, img.FileName, img.FilePath, img.ContentType, img.FileSize,
		img.Description, img.UploadedAt, img.UploaderID,
	)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return apperr.ErrPatientNotFound
		}
		if db.IsValueOutOfRange(err) {
			return apperr.Wrap(apperr.ErrValidation, err)
		}
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (r *imageRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Image, error) {
	img, err := scanImage(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+imageCols+` FROM patient_image WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.ErrImageNotFound
		}
		return nil, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

func (r *imageRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Image, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+imageCols+` FROM patient_image WHERE patient_id = $1 ORDER BY uploaded_at DESC, id DESC`,
		patientID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (r *imageRepoPG) UpdateDescription(ctx context.Context, id uuid.UUID, description *string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE patient_image SET description = $2 WHERE id = $1`, id, description)
	if err != nil {
		if db.IsValueOutOfRange(err) {
			return apperr.Wrap(apperr.ErrValidation, err)
		}
		return fmt.Errorf("update image description: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrImageNotFound
	}
	return nil
}

func (r *imageRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM patient_image WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrImageNotFound
	}
	return nil
}

func scanImage(row pgx.Row) (*Image, error) {
	var img Image
	err := row.Scan(&img.ID, &img.PatientID, &img.ImageType, &img.FileName, &img.FilePath,
		&img.ContentType, &img.FileSize, &img.Description, &img.UploadedAt, &img.UploaderID)
	if err != nil {
		return nil, err
	}
	return &img, nil
}
