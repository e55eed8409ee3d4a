package patient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

// Date is a calendar day without time of day, encoded as "2006-01-02".
type Date struct {
	time.Time
}

func NewDate(t time.Time) Date {
	return Date{time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(dateLayout))
}

// UnmarshalJSON accepts "2006-01-02" and full RFC 3339 timestamps, keeping
// only the day.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		*d = NewDate(t)
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	*d = NewDate(t)
	return nil
}

// Patient maps to the patient table. The clinical documents are opaque JSON
// owned by the assessment forms.
type Patient struct {
	ID             uuid.UUID  `json:"id"`
	StudyID        string     `json:"studyId"`
	Name           *string    `json:"name,omitempty"`
	Gender         *string    `json:"gender,omitempty"`
	Phone          *string    `json:"phone,omitempty"`
	ChiefComplaint *string    `json:"chiefComplaint,omitempty"`
	Age            *int       `json:"age,omitempty"`
	OnsetDate      *Date      `json:"onsetDate,omitempty"`
	WorkspaceID    *uuid.UUID `json:"workspaceId,omitempty"`
	WorkspaceName  *string    `json:"workspaceName,omitempty"`
	DoctorID       *uuid.UUID `json:"doctorId,omitempty"`
	DoctorName     *string    `json:"doctorName,omitempty"`

	MedicalHistory    json.RawMessage `json:"medicalHistory,omitempty"`
	PainAreas         json.RawMessage `json:"painAreas,omitempty"`
	SubjectiveExam    json.RawMessage `json:"subjectiveExam,omitempty"`
	ObjectiveExam     json.RawMessage `json:"objectiveExam,omitempty"`
	FunctionalScores  json.RawMessage `json:"functionalScores,omitempty"`
	AIPostureAnalysis json.RawMessage `json:"aiPostureAnalysis,omitempty"`
	Intervention      json.RawMessage `json:"intervention,omitempty"`

	Remarks *string `json:"remarks,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	CreatorID      *string    `json:"creatorId,omitempty"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	LastModifierID *string    `json:"lastModifierId,omitempty"`
	IsDeleted      bool       `json:"isDeleted"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	DeleterID      *string    `json:"deleterId,omitempty"`
}

// PatientInput carries create and update requests. A nil field, or a JSON
// document that is absent or null, means "leave unchanged" on update.
type PatientInput struct {
	StudyID        *string    `json:"studyId"`
	Name           *string    `json:"name"`
	Gender         *string    `json:"gender"`
	Phone          *string    `json:"phone"`
	ChiefComplaint *string    `json:"chiefComplaint"`
	Age            *int       `json:"age"`
	OnsetDate      *Date      `json:"onsetDate"`
	WorkspaceID    *uuid.UUID `json:"workspaceId"`
	WorkspaceName  *string    `json:"workspaceName"`
	DoctorID       *uuid.UUID `json:"doctorId"`
	DoctorName     *string    `json:"doctorName"`

	MedicalHistory    json.RawMessage `json:"medicalHistory"`
	PainAreas         json.RawMessage `json:"painAreas"`
	SubjectiveExam    json.RawMessage `json:"subjectiveExam"`
	ObjectiveExam     json.RawMessage `json:"objectiveExam"`
	FunctionalScores  json.RawMessage `json:"functionalScores"`
	AIPostureAnalysis json.RawMessage `json:"aiPostureAnalysis"`
	Intervention      json.RawMessage `json:"intervention"`

	Remarks *string `json:"remarks"`
}

// documents pairs each clinical document of the input with its field name.
func (in *PatientInput) documents() []document {
	return []document{
		{"medicalHistory", in.MedicalHistory},
		{"painAreas", in.PainAreas},
		{"subjectiveExam", in.SubjectiveExam},
		{"objectiveExam", in.ObjectiveExam},
		{"functionalScores", in.FunctionalScores},
		{"aiPostureAnalysis", in.AIPostureAnalysis},
		{"intervention", in.Intervention},
	}
}

type document struct {
	field string
	raw   json.RawMessage
}

// present reports whether a document was supplied with a non-null value.
func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// apply copies every supplied field of in onto p.
func (in *PatientInput) apply(p *Patient) {
	if in.StudyID != nil {
		p.StudyID = strings.TrimSpace(*in.StudyID)
	}
	setString(&p.Name, in.Name)
	setString(&p.Gender, in.Gender)
	setString(&p.Phone, in.Phone)
	setString(&p.ChiefComplaint, in.ChiefComplaint)
	setString(&p.WorkspaceName, in.WorkspaceName)
	setString(&p.DoctorName, in.DoctorName)
	setString(&p.Remarks, in.Remarks)
	if in.Age != nil {
		age := *in.Age
		p.Age = &age
	}
	if in.OnsetDate != nil {
		d := *in.OnsetDate
		p.OnsetDate = &d
	}
	if in.WorkspaceID != nil {
		id := *in.WorkspaceID
		p.WorkspaceID = &id
	}
	if in.DoctorID != nil {
		id := *in.DoctorID
		p.DoctorID = &id
	}

	setDoc(&p.MedicalHistory, in.MedicalHistory)
	setDoc(&p.PainAreas, in.PainAreas)
	setDoc(&p.SubjectiveExam, in.SubjectiveExam)
	setDoc(&p.ObjectiveExam, in.ObjectiveExam)
	setDoc(&p.FunctionalScores, in.FunctionalScores)
	setDoc(&p.AIPostureAnalysis, in.AIPostureAnalysis)
	setDoc(&p.Intervention, in.Intervention)
}

func setString(dst **string, v *string) {
	if v != nil {
		s := *v
		*dst = &s
	}
}

func setDoc(dst *json.RawMessage, v json.RawMessage) {
	if present(v) {
		*dst = append(json.RawMessage(nil), bytes.TrimSpace(v)...)
	}
}

// Sortable fields and their columns.
var sortColumns = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
	"studyId":   "study_id",
	"name":      "name",
	"age":       "age",
	"onsetDate": "onset_date",
}

// Sort orders a listing. Unknown or empty fields sort by creation time.
type Sort struct {
	Field string
	Desc  bool
}

// DefaultSort lists the newest patients first.
var DefaultSort = Sort{Field: "createdAt", Desc: true}

// orderBy renders the ORDER BY clause; id breaks ties so paging is stable.
func (s Sort) orderBy() string {
	col, ok := sortColumns[s.Field]
	if !ok {
		col = "created_at"
	}
	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf("%s %s NULLS LAST, id %s", col, dir, dir)
}

// ListParams filters a patient listing.
type ListParams struct {
	WorkspaceID *uuid.UUID
	DoctorID    *uuid.UUID
	// Search matches studyId or name, case-insensitively.
	Search string
	Sort   Sort
	Limit  int
	Offset int
}
