package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/iziplay/findingaids/pkg/authority"
	"github.com/iziplay/findingaids/pkg/database"
	"github.com/iziplay/findingaids/pkg/source"
	"gorm.io/datatypes"
)

// Outcome is what happened to one document.
type Outcome string

const (
	Processed Outcome = "processed"
	Skipped   Outcome = "skipped"
	Failed    Outcome = "failed"
)

// Result is the outcome of one document. Refs lists the entities to
// synchronize with the search indexes.
type Result struct {
	Document source.Document
	Outcome  Outcome
	Refs     []database.EntityRef
	Err      error
	Duration time.Duration
}

// Worker imports documents, one transaction per document.
type Worker struct {
	reconciler *authority.Reconciler
	dryRun     bool
	force      bool
	logger     *slog.Logger
}

// NewWorker returns a worker resolving authorities through reconciler. In a
// dry run every document is rolled back. With force, unchanged finding aids
// are imported again.
func NewWorker(reconciler *authority.Reconciler, dryRun, force bool, logger *slog.Logger) *Worker {
	return &Worker{
		reconciler: reconciler,
		dryRun:     dryRun,
		force:      force,
		logger:     logger.With("component", "worker"),
	}
}

// Process imports doc on conn. A failure, including a panic, only affects
// doc: its transaction is rolled back and the error is reported in the
// result.
func (w *Worker) Process(ctx context.Context, conn *database.Conn, doc source.Document) (res Result) {
	res.Document = doc
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Outcome, res.Refs, res.Err = Failed, nil, fmt.Errorf("panic: %v", p)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			w.logger.Error("Document failed", "path", doc.Path, "error", res.Err)
		}
	}()

	parsed, err := source.Parse(doc)
	if err != nil {
		res.Outcome, res.Err = Failed, err
		return res
	}

	writer, err := conn.Begin(ctx)
	if err != nil {
		res.Outcome, res.Err = Failed, err
		return res
	}
	defer writer.Rollback()

	var skipped bool
	switch parsed.Kind {
	case source.KindFindingAid:
		res.Refs, skipped, err = w.findingAid(ctx, writer, doc, parsed)
	case source.KindPersonRecords:
		res.Refs, err = w.persons(ctx, writer, parsed.Persons)
	case source.KindServices:
		err = w.services(ctx, writer, parsed.Services)
	default:
		err = fmt.Errorf("%w: kind %q", source.ErrUnsupported, parsed.Kind)
	}

	switch {
	case err != nil:
		res.Outcome, res.Refs, res.Err = Failed, nil, fmt.Errorf("%s: %w", doc.Path, err)
	case skipped:
		res.Outcome = Skipped
	case w.dryRun:
		res.Outcome, res.Refs = Processed, nil
	default:
		res.Outcome = Processed
	}
	return res
}

func jsonFields[V any](fields map[string]V) datatypes.JSON {
	if len(fields) == 0 {
		return nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func (w *Worker) findingAid(ctx context.Context, writer *database.Writer, doc source.Document, parsed *source.Parsed) ([]database.EntityRef, bool, error) {
	fa := parsed.FindingAid
	stableID := fa.StableID()

	if !w.force {
		hash, found, err := writer.FindingAidHash(ctx, stableID)
		if err != nil {
			return nil, false, err
		}
		if found && hash == parsed.Hash {
			w.logger.Debug("Finding aid unchanged", "stableId", stableID)
			return nil, true, nil
		}
	}

	var refs []database.EntityRef
	removal, err := writer.DeleteFindingAid(ctx, stableID, true)
	if err != nil {
		return nil, false, err
	}
	if removal != nil {
		for _, id := range removal.ComponentIDs {
			refs = append(refs, database.EntityRef{Type: database.EntityComponent, ID: id})
		}
		for _, id := range removal.AuthorityIDs {
			refs = append(refs, database.EntityRef{Type: database.EntityAuthority, ID: id})
		}
	}

	scope := w.reconciler.Scope(writer, stableID)
	faID := database.StableUUID(stableID)

	err = writer.WriteEntity(ctx, &database.FindingAid{
		ID:          faID,
		StableID:    stableID,
		EADID:       fa.EADID,
		ServiceCode: fa.Service,
		Title:       fa.Title,
		Description: fa.Description,
		Fields:      jsonFields(fa.Fields),
		SourcePath:  doc.Path,
		SourceHash:  parsed.Hash,
	})
	if err != nil {
		return nil, false, err
	}
	refs = append(refs, database.EntityRef{Type: database.EntityFindingAid, ID: faID})

	if err := w.terms(ctx, writer, scope, faID, nil, stableID, fa.Terms); err != nil {
		return nil, false, err
	}

	components, err := w.components(ctx, writer, scope, faID, nil, stableID, fa.Components)
	if err != nil {
		return nil, false, err
	}
	refs = append(refs, components...)

	for i, a := range fa.Attachments {
		id := database.StableUUID(stableID + "#attachment/" + strconv.Itoa(i))
		err := writer.WriteEntity(ctx, &database.Attachment{
			ID:           id,
			FindingAidID: faID,
			Filename:     a.Filename,
			Hash:         a.Hash,
			Text:         a.Text,
		})
		if err != nil {
			return nil, false, err
		}
		refs = append(refs, database.EntityRef{Type: database.EntityAttachment, ID: id})
	}

	if w.dryRun {
		return nil, false, writer.Rollback()
	}
	if err := scope.Commit(ctx); err != nil {
		return nil, false, err
	}

	for _, id := range scope.Authorities() {
		refs = append(refs, database.EntityRef{Type: database.EntityAuthority, ID: id})
	}
	return refs, false, nil
}

func (w *Worker) components(ctx context.Context, writer *database.Writer, scope *authority.Scope, faID uuid.UUID, parentID *uuid.UUID, prefix string, components []source.Component) ([]database.EntityRef, error) {
	var refs []database.EntityRef
	for i, c := range components {
		// Positional segments start with '#', which explicit ids have escaped.
		local := "#" + strconv.Itoa(i+1)
		if c.ID != "" {
			local = source.IDPart(c.ID)
		}
		stableID := prefix + "/" + local
		id := database.StableUUID(stableID)

		err := writer.WriteEntity(ctx, &database.FAComponent{
			ID:           id,
			StableID:     stableID,
			FindingAidID: faID,
			ParentID:     parentID,
			Position:     i,
			Title:        c.Title,
			Description:  c.Description,
			Fields:       jsonFields(c.Fields),
		})
		if err != nil {
			return nil, err
		}
		refs = append(refs, database.EntityRef{Type: database.EntityComponent, ID: id})

		if err := w.terms(ctx, writer, scope, faID, &id, stableID, c.Terms); err != nil {
			return nil, err
		}

		children, err := w.components(ctx, writer, scope, faID, &id, stableID, c.Components)
		if err != nil {
			return nil, err
		}
		refs = append(refs, children...)
	}
	return refs, nil
}

// terms resolves the index terms of a finding aid or, when componentID is
// set, of one of its components, and writes their index entries.
func (w *Worker) terms(ctx context.Context, writer *database.Writer, scope *authority.Scope, faID uuid.UUID, componentID *uuid.UUID, owner string, terms []source.Term) error {
	for i, t := range terms {
		kind, err := t.Kind()
		if err != nil {
			return err
		}

		authorityID, err := scope.Resolve(ctx, kind, t.Label, t.Role)
		if errors.Is(err, authority.ErrEmptyLabel) {
			w.logger.Warn("Index term skipped", "owner", owner, "label", t.Label)
			continue
		}
		if err != nil {
			return err
		}

		err = writer.WriteEntity(ctx, &database.IndexEntry{
			ID:           database.StableUUID(owner + "#" + strconv.Itoa(i)),
			FindingAidID: faID,
			ComponentID:  componentID,
			AuthorityID:  authorityID,
			Kind:         kind,
			Label:        t.Label,
			Role:         t.Role,
		})
		if err != nil {
			return err
		}

		for _, uri := range t.SameAs {
			if uri == "" {
				continue
			}
			if err := writer.WriteRelation(ctx, authorityID, database.RelSameAs, uri); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Worker) persons(ctx context.Context, writer *database.Writer, persons []source.Person) ([]database.EntityRef, error) {
	refs := make([]database.EntityRef, 0, len(persons))
	seen := make(map[string]bool, len(persons))
	for _, p := range persons {
		stableID := p.StableID()
		if seen[stableID] {
			w.logger.Warn("Duplicate person record skipped", "stableId", stableID)
			continue
		}
		seen[stableID] = true
		id := database.StableUUID(stableID)
		err := writer.WriteEntity(ctx, &database.PersonRecord{
			ID:          id,
			StableID:    stableID,
			ServiceCode: p.Service,
			Forenames:   p.Forenames,
			Surname:     p.Surname,
			BirthDate:   p.BirthDate,
			BirthPlace:  p.BirthPlace,
			DeathDate:   p.DeathDate,
			DeathPlace:  p.DeathPlace,
			Fields:      jsonFields(p.Fields),
		})
		if err != nil {
			return nil, err
		}
		refs = append(refs, database.EntityRef{Type: database.EntityPersonRecord, ID: id})
	}

	if w.dryRun {
		return nil, writer.Rollback()
	}
	return refs, writer.Commit(ctx)
}

func (w *Worker) services(ctx context.Context, writer *database.Writer, services []database.Service) error {
	for i := range services {
		if err := writer.WriteEntity(ctx, &services[i]); err != nil {
			return err
		}
	}
	if w.dryRun {
		return writer.Rollback()
	}
	return writer.Commit(ctx)
}
