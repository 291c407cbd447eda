package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EntityType names the persisted entity types that project into the indexes.
type EntityType string

const (
	EntityFindingAid   EntityType = "FindingAid"
	EntityComponent    EntityType = "FAComponent"
	EntityAttachment   EntityType = "Attachment"
	EntityAuthority    EntityType = "Authority"
	EntityPersonRecord EntityType = "PersonRecord"
)

// EntityRef identifies one persisted entity.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   uuid.UUID  `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Type) + ":" + r.ID.String()
}

// FindingAids loads finding aids by id. Missing ids are ignored.
func (s *Store) FindingAids(ctx context.Context, ids []uuid.UUID) ([]FindingAid, error) {
	var out []FindingAid
	return out, s.findByIDs(ctx, &out, ids)
}

// Components loads components by id.
func (s *Store) Components(ctx context.Context, ids []uuid.UUID) ([]FAComponent, error) {
	var out []FAComponent
	return out, s.findByIDs(ctx, &out, ids)
}

// Attachments loads attachments by id.
func (s *Store) Attachments(ctx context.Context, ids []uuid.UUID) ([]Attachment, error) {
	var out []Attachment
	return out, s.findByIDs(ctx, &out, ids)
}

// Authorities loads authorities by id.
func (s *Store) Authorities(ctx context.Context, ids []uuid.UUID) ([]Authority, error) {
	var out []Authority
	return out, s.findByIDs(ctx, &out, ids)
}

// PersonRecords loads person records by id.
func (s *Store) PersonRecords(ctx context.Context, ids []uuid.UUID) ([]PersonRecord, error) {
	var out []PersonRecord
	return out, s.findByIDs(ctx, &out, ids)
}

func (s *Store) findByIDs(ctx context.Context, dest any, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", uuidStrings(ids)).Find(dest).Error; err != nil {
		return fmt.Errorf("failed to load %T: %w", dest, err)
	}
	return nil
}

// AttachmentsOf groups the attachments of finding aids by finding aid.
func (s *Store) AttachmentsOf(ctx context.Context, findingAidIDs []uuid.UUID) (map[uuid.UUID][]Attachment, error) {
	out := make(map[uuid.UUID][]Attachment)
	if len(findingAidIDs) == 0 {
		return out, nil
	}
	var attachments []Attachment
	if err := s.db.WithContext(ctx).Where("finding_aid_id IN ?", uuidStrings(findingAidIDs)).Order("filename").Find(&attachments).Error; err != nil {
		return nil, fmt.Errorf("failed to load attachments: %w", err)
	}
	for _, a := range attachments {
		out[a.FindingAidID] = append(out[a.FindingAidID], a)
	}
	return out, nil
}

// IndexEntriesOf groups index entries by their owner: the component when
// set, the finding aid otherwise.
func (s *Store) IndexEntriesOf(ctx context.Context, ownerIDs []uuid.UUID) (map[uuid.UUID][]IndexEntry, error) {
	out := make(map[uuid.UUID][]IndexEntry)
	if len(ownerIDs) == 0 {
		return out, nil
	}
	ids := uuidStrings(ownerIDs)
	var entries []IndexEntry
	err := s.db.WithContext(ctx).
		Where("component_id IN ? OR (component_id IS NULL AND finding_aid_id IN ?)", ids, ids).
		Order("label").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load index entries: %w", err)
	}
	for _, e := range entries {
		owner := e.FindingAidID
		if e.ComponentID != nil {
			owner = *e.ComponentID
		}
		out[owner] = append(out[owner], e)
	}
	return out, nil
}

// References counts the references of existing authorities.
func (s *Store) References(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]References, error) {
	return referenceCounts(ctx, s.db, ids)
}

// Orphans lists the authorities of kind nothing references.
func (s *Store) Orphans(ctx context.Context, kind AuthorityKind) ([]uuid.UUID, error) {
	return orphans(ctx, s.db, kind)
}

// Authority loads one authority.
func (s *Store) Authority(ctx context.Context, id uuid.UUID) (*Authority, error) {
	var a Authority
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("authority %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authority %s: %w", id, err)
	}
	return &a, nil
}

// SameAsOf returns the external identifiers of an authority.
func (s *Store) SameAsOf(ctx context.Context, id uuid.UUID) ([]SameAs, error) {
	var links []SameAs
	if err := s.db.WithContext(ctx).Where("authority_id = ?", id).Order("uri").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to load same-as links: %w", err)
	}
	return links, nil
}

// Locate resolves an entity id or a stable id to an entity reference.
func (s *Store) Locate(ctx context.Context, ref string) (EntityRef, error) {
	db := s.db.WithContext(ctx)

	candidates := []struct {
		typ   EntityType
		model any
	}{
		{EntityFindingAid, &FindingAid{}},
		{EntityComponent, &FAComponent{}},
		{EntityPersonRecord, &PersonRecord{}},
		{EntityAttachment, &Attachment{}},
		{EntityAuthority, &Authority{}},
	}

	if id, err := uuid.Parse(ref); err == nil {
		for _, c := range candidates {
			var n int64
			if err := db.Model(c.model).Where("id = ?", id).Count(&n).Error; err != nil {
				return EntityRef{}, fmt.Errorf("failed to locate %s: %w", ref, err)
			}
			if n > 0 {
				return EntityRef{Type: c.typ, ID: id}, nil
			}
		}
	}

	for _, c := range candidates[:3] {
		ids, err := pluckUUIDs(db.Model(c.model).Where("stable_id = ?", ref).Limit(1), "id")
		if err != nil {
			return EntityRef{}, fmt.Errorf("failed to locate %s: %w", ref, err)
		}
		if len(ids) > 0 {
			return EntityRef{Type: c.typ, ID: ids[0]}, nil
		}
	}

	return EntityRef{}, fmt.Errorf("entity %s: %w", ref, ErrNotFound)
}

// DocumentRefs lists the entities of a finding aid: itself, its components,
// its attachments and the authorities it references.
func (s *Store) DocumentRefs(ctx context.Context, findingAidID uuid.UUID) ([]EntityRef, error) {
	db := s.db.WithContext(ctx)
	refs := []EntityRef{{Type: EntityFindingAid, ID: findingAidID}}

	parts := []struct {
		typ    EntityType
		query  *gorm.DB
		column string
	}{
		{EntityComponent, db.Model(&FAComponent{}).Where("finding_aid_id = ?", findingAidID), "id"},
		{EntityAttachment, db.Model(&Attachment{}).Where("finding_aid_id = ?", findingAidID), "id"},
		{EntityAuthority, db.Model(&IndexEntry{}).Distinct().Where("finding_aid_id = ?", findingAidID), "authority_id"},
	}
	for _, p := range parts {
		ids, err := pluckUUIDs(p.query, p.column)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			refs = append(refs, EntityRef{Type: p.typ, ID: id})
		}
	}
	return refs, nil
}
