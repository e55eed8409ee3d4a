package patient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lbpcare/lbp/internal/platform/apperr"
	"github.com/lbpcare/lbp/internal/platform/db"
)

// studyIDConstraint is the partial unique index over active patients.
const studyIDConstraint = "patient_study_id_active_key"

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, study_id, name, gender, phone, chief_complaint, age, onset_date,
	workspace_id, workspace_name, doctor_id, doctor_name,
	medical_history, pain_areas, subjective_exam, objective_exam,
	functional_scores, ai_posture_analysis, intervention, remarks,
	created_at, creator_id, updated_at, last_modifier_id, is_deleted, deleted_at, deleter_id`

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patient (
			id, study_id, name, gender, phone, chief_complaint, age, onset_date,
			workspace_id, workspace_name, doctor_id, doctor_name,
			medical_history, pain_areas, subjective_exam, objective_exam,
			functional_scores, ai_posture_analysis, intervention, remarks,
			created_at, creator_id
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,
			$9,$10,$11,$12,
			$13,$14,$15,$16,
			$17,$18,$19,$20,
			$21,$22
		)`,
		p.ID, p.StudyID, p.Name, p.Gender, p.Phone, p.ChiefComplaint, p.Age, dateArg(p.OnsetDate),
		p.WorkspaceID, p.WorkspaceName, p.DoctorID, p.DoctorName,
		jsonArg(p.MedicalHistory), jsonArg(p.PainAreas), jsonArg(p.SubjectiveExam), jsonArg(p.ObjectiveExam),
		jsonArg(p.FunctionalScores), jsonArg(p.AIPostureAnalysis), jsonArg(p.Intervention), p.Remarks,
		p.CreatedAt, p.CreatorID,
	)
	if err != nil {
		if db.IsUniqueViolation(err, studyIDConstraint) {
			return apperr.WithMessage(apperr.ErrDuplicateStudyID, "study id %q is already in use", p.StudyID)
		}
		if db.IsValueOutOfRange(err) {
			return apperr.Wrap(apperr.ErrValidation, err)
		}
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.getOne(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1 AND NOT is_deleted`, id)
}

func (r *patientRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.getOne(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1 AND NOT is_deleted FOR UPDATE`, id)
}

func (r *patientRepoPG) GetByStudyID(ctx context.Context, studyID string) (*Patient, error) {
	return r.getOne(ctx, `SELECT `+patientCols+` FROM patient WHERE study_id = $1 AND NOT is_deleted`, studyID)
}

func (r *patientRepoPG) getOne(ctx context.Context, query string, arg any) (*Patient, error) {
	p, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx, query, arg))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.ErrPatientNotFound
		}
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (r *patientRepoPG) ExistsByStudyID(ctx context.Context, studyID string) (bool, error) {
	var exists bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patient WHERE study_id = $1 AND NOT is_deleted)`, studyID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check study id: %w", err)
	}
	return exists, nil
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient SET
			study_id=$2, name=$3, gender=$4, phone=$5, chief_complaint=$6, age=$7, onset_date=$8,
			workspace_id=$9, workspace_name=$10, doctor_id=$11, doctor_name=$12,
			medical_history=$13, pain_areas=$14, subjective_exam=$15, objective_exam=$16,
			functional_scores=$17, ai_posture_analysis=$18, intervention=$19, remarks=$20,
			updated_at=$21, last_modifier_id=$22
		WHERE id = $1 AND NOT is_deleted`,
		p.ID, p.StudyID, p.Name, p.Gender, p.Phone, p.ChiefComplaint, p.Age, dateArg(p.OnsetDate),
		p.WorkspaceID, p.WorkspaceName, p.DoctorID, p.DoctorName,
		jsonArg(p.MedicalHistory), jsonArg(p.PainAreas), jsonArg(p.SubjectiveExam), jsonArg(p.ObjectiveExam),
		jsonArg(p.FunctionalScores), jsonArg(p.AIPostureAnalysis), jsonArg(p.Intervention), p.Remarks,
		p.UpdatedAt, p.LastModifierID,
	)
	if err != nil {
		if db.IsUniqueViolation(err, studyIDConstraint) {
			return apperr.WithMessage(apperr.ErrDuplicateStudyID, "study id %q is already in use", p.StudyID)
		}
		if db.IsValueOutOfRange(err) {
			return apperr.Wrap(apperr.ErrValidation, err)
		}
		return fmt.Errorf("update patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrPatientNotFound
	}
	return nil
}

func (r *patientRepoPG) SoftDelete(ctx context.Context, id uuid.UUID, deleterID *string, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient SET is_deleted = TRUE, deleted_at = $2, deleter_id = $3
		WHERE id = $1 AND NOT is_deleted`, id, at, deleterID)
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrPatientNotFound
	}
	return nil
}

func (r *patientRepoPG) List(ctx context.Context, params ListParams) ([]*Patient, int, error) {
	where, args := listFilter(params)
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM patient WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM patient WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		patientCols, where, params.Sort.orderBy(), len(args)+1, len(args)+2)
	rows, err := conn.Query(ctx, query, append(args, params.Limit, params.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	patients, err := scanPatientRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return patients, total, nil
}

// listFilter builds the WHERE clause and its positional arguments.
func listFilter(params ListParams) (string, []any) {
	clauses := []string{"NOT is_deleted"}
	var args []any
	if params.WorkspaceID != nil {
		args = append(args, *params.WorkspaceID)
		clauses = append(clauses, fmt.Sprintf("workspace_id = $%d", len(args)))
	}
	if params.DoctorID != nil {
		args = append(args, *params.DoctorID)
		clauses = append(clauses, fmt.Sprintf("doctor_id = $%d", len(args)))
	}
	if s := strings.TrimSpace(params.Search); s != "" {
		args = append(args, "%"+escapeLike(s)+"%")
		clauses = append(clauses, fmt.Sprintf("(study_id ILIKE $%d OR name ILIKE $%d)", len(args), len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func jsonArg(raw []byte) []byte {
	if !present(raw) {
		return nil
	}
	return raw
}

func dateArg(d *Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var onset *time.Time
	var medical, pain, subjective, objective, functional, posture, intervention []byte
	err := row.Scan(
		&p.ID, &p.StudyID, &p.Name, &p.Gender, &p.Phone, &p.ChiefComplaint, &p.Age, &onset,
		&p.WorkspaceID, &p.WorkspaceName, &p.DoctorID, &p.DoctorName,
		&medical, &pain, &subjective, &objective,
		&functional, &posture, &intervention, &p.Remarks,
		&p.CreatedAt, &p.CreatorID, &p.UpdatedAt, &p.LastModifierID, &p.IsDeleted, &p.DeletedAt, &p.DeleterID,
	)
	if err != nil {
		return nil, err
	}
	if onset != nil {
		d := NewDate(*onset)
		p.OnsetDate = &d
	}
	p.MedicalHistory = medical
	p.PainAreas = pain
	p.SubjectiveExam = subjective
	p.ObjectiveExam = objective
	p.FunctionalScores = functional
	p.AIPostureAnalysis = posture
	p.Intervention = intervention
	return &p, nil
}

func scanPatientRows(rows pgx.Rows) ([]*Patient, error) {
	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}
