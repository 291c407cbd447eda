package search

import (
	"context"
	"encoding/json"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/iziplay/findingaids/pkg/authority"
	"github.com/iziplay/findingaids/pkg/database"
)

// Reader is the part of the store the builders read from.
type Reader interface {
	FindingAids(ctx context.Context, ids []uuid.UUID) ([]database.FindingAid, error)
	Components(ctx context.Context, ids []uuid.UUID) ([]database.FAComponent, error)
	Attachments(ctx context.Context, ids []uuid.UUID) ([]database.Attachment, error)
	Authorities(ctx context.Context, ids []uuid.UUID) ([]database.Authority, error)
	PersonRecords(ctx context.Context, ids []uuid.UUID) ([]database.PersonRecord, error)
	AttachmentsOf(ctx context.Context, findingAidIDs []uuid.UUID) (map[uuid.UUID][]database.Attachment, error)
	IndexEntriesOf(ctx context.Context, ownerIDs []uuid.UUID) (map[uuid.UUID][]database.IndexEntry, error)
	References(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]database.References, error)
	LoadServiceDirectory(ctx context.Context) (*database.ServiceDirectory, error)
}

// Builder projects entities of one type into documents of one family. It
// returns no document for ids that no longer exist.
type Builder interface {
	Family() Family
	Build(ctx context.Context, ids []uuid.UUID) ([]Document, error)
}

// containerFunc maps entities indexed through another entity to that entity.
type containerFunc func(ctx context.Context, ids []uuid.UUID) ([]database.EntityRef, error)

// dispatch is the table of builders per entity type, built once.
type dispatch struct {
	builders   map[database.EntityType][]Builder
	containers map[database.EntityType]containerFunc
}

func newDispatch(reader Reader, services *database.ServiceDirectory) dispatch {
	base := builderBase{reader: reader, services: services}
	return dispatch{
		builders: map[database.EntityType][]Builder{
			database.EntityFindingAid:   {findingAidBuilder{base}},
			database.EntityComponent:    {componentBuilder{base}},
			database.EntityAuthority:    {suggestBuilder{base}},
			database.EntityPersonRecord: {personBuilder{base}},
		},
		containers: map[database.EntityType]containerFunc{
			database.EntityAttachment: func(ctx context.Context, ids []uuid.UUID) ([]database.EntityRef, error) {
				attachments, err := reader.Attachments(ctx, ids)
				if err != nil {
					return nil, err
				}
				refs := make([]database.EntityRef, 0, len(attachments))
				for _, a := range attachments {
					refs = append(refs, database.EntityRef{Type: database.EntityFindingAid, ID: a.FindingAidID})
				}
				return refs, nil
			},
		},
	}
}

type builderBase struct {
	reader   Reader
	services *database.ServiceDirectory
}

func (b builderBase) service(code string) map[string]any {
	out := map[string]any{"code": code}
	if svc, ok := b.services.Lookup(code); ok {
		out["name"] = svc.Name
		out["shortName"] = svc.ShortName
		out["city"] = svc.City
	}
	return out
}

func entriesBody(entries []database.IndexEntry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"authority": e.AuthorityID.String(),
			"kind":      string(e.Kind),
			"label":     e.Label,
			"role":      e.Role,
		})
	}
	return out
}

func fieldsBody(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields
}

type findingAidBuilder struct{ builderBase }

func (findingAidBuilder) Family() Family { return Content }

func (b findingAidBuilder) Build(ctx context.Context, ids []uuid.UUID) ([]Document, error) {
	findingAids, err := b.reader.FindingAids(ctx, ids)
	if err != nil {
		return nil, err
	}
	attachments, err := b.reader.AttachmentsOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	entries, err := b.reader.IndexEntriesOf(ctx, ids)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(findingAids))
	for _, fa := range findingAids {
		files := make([]map[string]any, 0, len(attachments[fa.ID]))
		for _, a := range attachments[fa.ID] {
			files = append(files, map[string]any{"filename": a.Filename, "text": a.Text})
		}
		docs = append(docs, Document{
			Family:   Content,
			ID:       fa.StableID,
			EntityID: fa.ID,
			Body: map[string]any{
				EntityField:     fa.ID.String(),
				"etype":         string(database.EntityFindingAid),
				"stableId":      fa.StableID,
				"eadid":         fa.EADID,
				"title":         fa.Title,
				"description":   fa.Description,
				"fields":        fieldsBody(fa.Fields),
				"service":       b.service(fa.ServiceCode),
				"index_entries": entriesBody(entries[fa.ID]),
				"attachments":   files,
			},
		})
	}
	return docs, nil
}

type componentBuilder struct{ builderBase }

func (componentBuilder) Family() Family { return Content }

func (b componentBuilder) Build(ctx context.Context, ids []uuid.UUID) ([]Document, error) {
	components, err := b.reader.Components(ctx, ids)
	if err != nil {
		return nil, err
	}
	entries, err := b.reader.IndexEntriesOf(ctx, ids)
	if err != nil {
		return nil, err
	}

	parentIDs := make([]uuid.UUID, 0, len(components))
	for _, c := range components {
		parentIDs = append(parentIDs, c.FindingAidID)
	}
	parents, err := b.reader.FindingAids(ctx, parentIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]database.FindingAid, len(parents))
	for _, fa := range parents {
		byID[fa.ID] = fa
	}

	docs := make([]Document, 0, len(components))
	for _, c := range components {
		fa := byID[c.FindingAidID]
		body := map[string]any{
			EntityField:     c.ID.String(),
			"etype":         string(database.EntityComponent),
			"stableId":      c.StableID,
			"title":         c.Title,
			"description":   c.Description,
			"position":      c.Position,
			"fields":        fieldsBody(c.Fields),
			"service":       b.service(fa.ServiceCode),
			"index_entries": entriesBody(entries[c.ID]),
			"finding_aid": map[string]any{
				"eid":      c.FindingAidID.String(),
				"stableId": fa.StableID,
				"title":    fa.Title,
			},
		}
		if c.ParentID != nil {
			body["parent"] = c.ParentID.String()
		}
		docs = append(docs, Document{Family: Content, ID: c.StableID, EntityID: c.ID, Body: body})
	}
	return docs, nil
}

type suggestBuilder struct{ builderBase }

func (suggestBuilder) Family() Family { return Suggest }

func (b suggestBuilder) Build(ctx context.Context, ids []uuid.UUID) ([]Document, error) {
	authorities, err := b.reader.Authorities(ctx, ids)
	if err != nil {
		return nil, err
	}
	refs, err := b.reader.References(ctx, ids)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(authorities))
	for _, a := range authorities {
		r := refs[a.ID]
		normalized := authority.Key(a.Kind, a.Label)
		docs = append(docs, Document{
			Family:   Suggest,
			ID:       a.ID.String(),
			EntityID: a.ID,
			Body: map[string]any{
				EntityField:        a.ID.String(),
				"etype":            etypeOf(a.Kind),
				"kind":             string(a.Kind),
				"label":            a.Label,
				"normalized":       normalized,
				"letter":           letterOf(normalized),
				"quality":          a.Quality,
				"grouped":          r.Grouped > 0,
				"count":            r.Total(),
				"count_findingaid": r.FindingAids,
				"count_component":  r.Components,
			},
		})
	}
	return docs, nil
}

func etypeOf(kind database.AuthorityKind) string {
	switch kind {
	case database.Agent:
		return "AgentAuthority"
	case database.Location:
		return "LocationAuthority"
	default:
		return "SubjectAuthority"
	}
}

// letterOf buckets a normalized label by its first character.
func letterOf(normalized string) string {
	for _, r := range normalized {
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			return strings.ToUpper(string(r))
		}
		return "#"
	}
	return "#"
}

type personBuilder struct{ builderBase }

func (personBuilder) Family() Family { return Person }

func (b personBuilder) Build(ctx context.Context, ids []uuid.UUID) ([]Document, error) {
	persons, err := b.reader.PersonRecords(ctx, ids)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(persons))
	for _, p := range persons {
		docs = append(docs, Document{
			Family:   Person,
			ID:       p.StableID,
			EntityID: p.ID,
			Body: map[string]any{
				EntityField:  p.ID.String(),
				"etype":      string(database.EntityPersonRecord),
				"stableId":   p.StableID,
				"forenames":  p.Forenames,
				"surname":    p.Surname,
				"fullname":   strings.TrimSpace(p.Forenames + " " + p.Surname),
				"birthDate":  p.BirthDate,
				"birthPlace": p.BirthPlace,
				"deathDate":  p.DeathDate,
				"deathPlace": p.DeathPlace,
				"fields":     fieldsBody(p.Fields),
				"service":    b.service(p.ServiceCode),
			},
		})
	}
	return docs, nil
}
