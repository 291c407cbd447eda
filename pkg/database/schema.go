package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// namespace seeds the deterministic identifiers of imported entities.
var namespace = uuid.MustParse("4d1f2a9e-5b7c-4c3e-9a61-0f8e2b7d6c15")

// StableUUID derives the identifier of an entity from its stable identity, so
// re-importing the same logical document yields the same primary keys.
func StableUUID(stableID string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(stableID))
}

type Model struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Service is a publishing archive service of the directory.
type Service struct {
	Model

	Code      string `json:"code" gorm:"primaryKey"`
	Name      string `json:"name"`
	ShortName string `json:"shortName"`
	City      string `json:"city"`
	Website   string `json:"website"`
}

type FindingAid struct {
	Model

	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	StableID    string         `json:"stableId" gorm:"uniqueIndex;not null"`
	EADID       string         `json:"eadid" gorm:"index"`
	ServiceCode string         `json:"service" gorm:"index"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Fields      datatypes.JSON `json:"fields"`
	SourcePath  string         `json:"sourcePath"`
	SourceHash  string         `json:"sourceHash"`
}

type FAComponent struct {
	Model

	ID           uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	StableID     string         `json:"stableId" gorm:"uniqueIndex;not null"`
	FindingAidID uuid.UUID      `json:"findingAid" gorm:"type:uuid;index;not null"`
	FindingAid   *FindingAid    `json:"-"`
	ParentID     *uuid.UUID     `json:"parent,omitempty" gorm:"type:uuid;index"`
	Parent       *FAComponent   `json:"-"`
	Position     int            `json:"position"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Fields       datatypes.JSON `json:"fields"`
}

// Attachment is a file attached to a finding aid. It is indexed as part of
// its finding aid, never on its own.
type Attachment struct {
	Model

	ID           uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	FindingAidID uuid.UUID   `json:"findingAid" gorm:"type:uuid;index;not null"`
	FindingAid   *FindingAid `json:"-"`
	Filename     string      `json:"filename"`
	Hash         string      `json:"hash"`
	Text         string      `json:"-"`
}

// AuthorityKind is the closed set of authority variants.
type AuthorityKind string

const (
	Agent    AuthorityKind = "agent"
	Location AuthorityKind = "location"
	Subject  AuthorityKind = "subject"
)

// AuthorityKinds lists every variant.
func AuthorityKinds() []AuthorityKind {
	return []AuthorityKind{Agent, Location, Subject}
}

// ParseAuthorityKind validates s against the closed set of variants.
func ParseAuthorityKind(s string) (AuthorityKind, error) {
	switch k := AuthorityKind(s); k {
	case Agent, Location, Subject:
		return k, nil
	}
	return "", fmt.Errorf("unknown authority kind %q", s)
}

type Authority struct {
	Model

	ID      uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	Kind    AuthorityKind `json:"kind" gorm:"index;not null"`
	Label   string        `json:"label" gorm:"not null"`
	Quality bool          `json:"quality"`
}

// IndexEntry is one occurrence of an authority inside a finding aid or one
// of its components.
type IndexEntry struct {
	Model

	ID           uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	FindingAidID uuid.UUID     `json:"findingAid" gorm:"type:uuid;index;not null"`
	FindingAid   *FindingAid   `json:"-"`
	ComponentID  *uuid.UUID    `json:"component,omitempty" gorm:"type:uuid;index"`
	Component    *FAComponent  `json:"-"`
	AuthorityID  uuid.UUID     `json:"authority" gorm:"type:uuid;index;not null"`
	Authority    *Authority    `json:"-" gorm:"constraint:OnDelete:RESTRICT"`
	Kind         AuthorityKind `json:"kind"`
	Label        string        `json:"label"`
	Role         string        `json:"role"`
}

// SameAs links an authority to an external identifier.
type SameAs struct {
	Model

	AuthorityID uuid.UUID  `json:"authority" gorm:"type:uuid;primaryKey"`
	Authority   *Authority `json:"-" gorm:"constraint:OnDelete:RESTRICT"`
	URI         string     `json:"uri" gorm:"primaryKey"`
	Source      string     `json:"source"`
}

// GroupedWith is an operator's hint that two authorities denote the same
// entity. It does not own its target.
type GroupedWith struct {
	Model

	AuthorityID uuid.UUID  `json:"authority" gorm:"type:uuid;primaryKey"`
	Authority   *Authority `json:"-" gorm:"foreignKey:AuthorityID;constraint:OnDelete:RESTRICT"`
	TargetID    uuid.UUID  `json:"target" gorm:"type:uuid;primaryKey;index"`
	Target      *Authority `json:"-" gorm:"foreignKey:TargetID;constraint:OnDelete:RESTRICT"`
}

// AuthorityHistory remembers which authority a label of a document resolved
// to. Only AuthorityID is ever updated.
type AuthorityHistory struct {
	StableID    string        `json:"stableId" gorm:"primaryKey"`
	Kind        AuthorityKind `json:"kind" gorm:"primaryKey"`
	Label       string        `json:"label" gorm:"primaryKey"`
	Role        string        `json:"role" gorm:"primaryKey"`
	AuthorityID uuid.UUID     `json:"authority" gorm:"type:uuid;index;not null"`
}

// PersonRecord is a nominative record (civil status, military register...).
type PersonRecord struct {
	Model

	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	StableID    string         `json:"stableId" gorm:"uniqueIndex;not null"`
	ServiceCode string         `json:"service" gorm:"index"`
	Forenames   string         `json:"forenames"`
	Surname     string         `json:"surname"`
	BirthDate   string         `json:"birthDate"`
	BirthPlace  string         `json:"birthPlace"`
	DeathDate   string         `json:"deathDate"`
	DeathPlace  string         `json:"deathPlace"`
	Fields      datatypes.JSON `json:"fields"`
}

// ImportRun is the history of coordinator runs.
type ImportRun struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	StartedAt   time.Time  `json:"startedAt" gorm:"index"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Mode        string     `json:"mode"`
	DryRun      bool       `json:"dryRun"`
	Documents   int        `json:"documents"`
	Processed   int        `json:"processed"`
	Skipped     int        `json:"skipped"`
	Failed      int        `json:"failed"`
	Indexed     int        `json:"indexed"`
	IndexErrors int        `json:"indexErrors"`
	Complete    bool       `json:"complete"`
}

// BulkConstraint is a foreign key dropped by a bulk session, kept until it
// has been restored.
type BulkConstraint struct {
	Name       string `gorm:"primaryKey"`
	Relation   string `gorm:"not null"`
	Definition string `gorm:"not null"`
}

func (SameAs) TableName() string { return TablePrefix + "same_as" }

func (GroupedWith) TableName() string { return TablePrefix + "grouped_with" }

func (AuthorityHistory) TableName() string { return TablePrefix + "authority_history" }
