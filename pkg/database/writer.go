package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Relation names the links written with WriteRelation.
type Relation string

const (
	RelSameAs      Relation = "same_as"
	RelGroupedWith Relation = "grouped_with"
)

// Writer holds the transaction of one document. In bulk mode entities and
// relations are buffered and inserted in batches by Flush; history upserts
// and deletions always run immediately.
type Writer struct {
	tx        *gorm.DB
	mode      Mode
	batchSize int
	buf       buffer
	closed    bool
}

type buffer struct {
	services    []*Service
	findingAids []*FindingAid
	components  []*FAComponent
	attachments []*Attachment
	authorities []*Authority
	entries     []*IndexEntry
	persons     []*PersonRecord
	sameAs      []*SameAs
	grouped     []*GroupedWith
}

func begin(ctx context.Context, db *gorm.DB, mode Mode, batchSize int) (*Writer, error) {
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	return &Writer{tx: tx, mode: mode, batchSize: batchSize}, nil
}

// Mode returns the persistence strategy of the writer.
func (w *Writer) Mode() Mode {
	return w.mode
}

// DB returns the transaction, for reads that must see the document's writes.
func (w *Writer) DB() *gorm.DB {
	return w.tx
}

// WriteEntity persists one of the store models.
func (w *Writer) WriteEntity(ctx context.Context, entity any) error {
	if w.closed {
		return ErrWriterClosed
	}
	sanitize(entity)

	if w.mode == Bulk {
		return w.buf.add(entity)
	}

	switch e := entity.(type) {
	case *Service, *PersonRecord:
		return w.create(ctx, e, clause.OnConflict{UpdateAll: true})
	case *FindingAid, *FAComponent, *Attachment, *Authority, *IndexEntry:
		return w.create(ctx, e)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedEntity, entity)
	}
}

func (w *Writer) create(ctx context.Context, value any, clauses ...clause.Expression) error {
	if err := w.tx.WithContext(ctx).Omit(clause.Associations).Clauses(clauses...).Create(value).Error; err != nil {
		return fmt.Errorf("failed to write %T: %w", value, err)
	}
	return nil
}

// WriteRelation links authority from to target. For RelSameAs target is an
// external URI, for RelGroupedWith the id of another authority.
func (w *Writer) WriteRelation(ctx context.Context, from uuid.UUID, rel Relation, target string) error {
	if w.closed {
		return ErrWriterClosed
	}

	var value any
	switch rel {
	case RelSameAs:
		if target == "" {
			return errors.New("same-as link without uri")
		}
		link := &SameAs{AuthorityID: from, URI: sanitizeString(target)}
		if u, err := url.Parse(target); err == nil {
			link.Source = u.Hostname()
		}
		value = link
	case RelGroupedWith:
		to, err := uuid.Parse(target)
		if err != nil {
			return fmt.Errorf("invalid grouped-with target %q: %w", target, err)
		}
		if to == from {
			return errors.New("an authority cannot be grouped with itself")
		}
		value = &GroupedWith{AuthorityID: from, TargetID: to}
	default:
		return fmt.Errorf("unknown relation %q", rel)
	}

	if w.mode == Bulk {
		return w.buf.add(value)
	}
	return w.create(ctx, value, clause.OnConflict{DoNothing: true})
}

// LookupHistory returns the authority a label of a document resolved to
// before, provided that authority still exists.
func (w *Writer) LookupHistory(ctx context.Context, key AuthorityHistory) (uuid.UUID, bool, error) {
	var row struct {
		AuthorityID uuid.UUID
	}
	res := w.tx.WithContext(ctx).
		Table(AuthorityHistory{}.TableName()+" h").
		Select("h.authority_id").
		Joins("JOIN "+tableName(w.tx, &Authority{})+" a ON a.id = h.authority_id").
		Where("h.stable_id = ? AND h.kind = ? AND h.label = ? AND h.role = ?", key.StableID, string(key.Kind), key.Label, key.Role).
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return uuid.Nil, false, fmt.Errorf("failed to read authority history: %w", res.Error)
	}
	return row.AuthorityID, res.RowsAffected > 0, nil
}

// UpsertHistory records the resolution of a label. On conflict only the
// resolved authority is overwritten.
func (w *Writer) UpsertHistory(ctx context.Context, h *AuthorityHistory) error {
	if w.closed {
		return ErrWriterClosed
	}
	err := w.tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stable_id"}, {Name: "kind"}, {Name: "label"}, {Name: "role"}},
		DoUpdates: clause.AssignmentColumns([]string{"authority_id"}),
	}).Create(h).Error
	if err != nil {
		return fmt.Errorf("failed to upsert authority history: %w", err)
	}
	return nil
}

// FindingAidHash returns the source hash stored for a finding aid.
func (w *Writer) FindingAidHash(ctx context.Context, stableID string) (string, bool, error) {
	var fa FindingAid
	res := w.tx.WithContext(ctx).Select("source_hash").Where("stable_id = ?", stableID).Limit(1).Find(&fa)
	if res.Error != nil {
		return "", false, fmt.Errorf("failed to read finding aid: %w", res.Error)
	}
	return fa.SourceHash, res.RowsAffected > 0, nil
}

// Removal lists what DeleteFindingAid removed.
type Removal struct {
	FindingAidID  uuid.UUID
	ComponentIDs  []uuid.UUID
	AttachmentIDs []uuid.UUID
	// AuthorityIDs are the authorities that lost index entries.
	AuthorityIDs []uuid.UUID
}

// DeleteFindingAid removes a finding aid and everything it owns. Children are
// deleted explicitly since bulk sessions run without foreign keys. Authority
// history is kept when the document is about to be imported again. It
// returns nil when the finding aid does not exist.
func (w *Writer) DeleteFindingAid(ctx context.Context, stableID string, keepHistory bool) (*Removal, error) {
	if w.closed {
		return nil, ErrWriterClosed
	}
	tx := w.tx.WithContext(ctx)

	var fa FindingAid
	res := tx.Select("id").Where("stable_id = ?", stableID).Limit(1).Find(&fa)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to read finding aid: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	removal := &Removal{FindingAidID: fa.ID}
	var err error
	if removal.ComponentIDs, err = pluckUUIDs(tx.Model(&FAComponent{}).Where("finding_aid_id = ?", fa.ID), "id"); err != nil {
		return nil, err
	}
	if removal.AttachmentIDs, err = pluckUUIDs(tx.Model(&Attachment{}).Where("finding_aid_id = ?", fa.ID), "id"); err != nil {
		return nil, err
	}
	if removal.AuthorityIDs, err = pluckUUIDs(tx.Model(&IndexEntry{}).Distinct().Where("finding_aid_id = ?", fa.ID), "authority_id"); err != nil {
		return nil, err
	}

	steps := []struct {
		model any
		where string
	}{
		{&IndexEntry{}, "finding_aid_id = ?"},
		{&Attachment{}, "finding_aid_id = ?"},
		{&FAComponent{}, "finding_aid_id = ?"},
		{&FindingAid{}, "id = ?"},
	}
	for _, step := range steps {
		if err := tx.Where(step.where, fa.ID).Delete(step.model).Error; err != nil {
			return nil, fmt.Errorf("failed to delete %T of %s: %w", step.model, stableID, err)
		}
	}

	if !keepHistory {
		if err := tx.Where("stable_id = ?", stableID).Delete(&AuthorityHistory{}).Error; err != nil {
			return nil, fmt.Errorf("failed to delete authority history of %s: %w", stableID, err)
		}
	}

	return removal, nil
}

// DeleteAuthority deletes one authority through the orphan guard: it fails
// with ErrIntegrity while anything still references it.
func (w *Writer) DeleteAuthority(ctx context.Context, id uuid.UUID) error {
	if w.closed {
		return ErrWriterClosed
	}
	res := w.tx.WithContext(ctx).Delete(&Authority{ID: id})
	if res.Error != nil {
		return fmt.Errorf("failed to delete authority %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("authority %s: %w", id, ErrNotFound)
	}
	return nil
}

// PurgeAuthorities deletes the authorities of ids that are still orphan,
// together with their history. Authorities that gained a reference since
// they were listed are left alone. It returns the deleted ids.
func (w *Writer) PurgeAuthorities(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if w.closed {
		return nil, ErrWriterClosed
	}
	tx := w.tx.WithContext(ctx)

	counts, err := referenceCounts(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	deletable := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if refs, ok := counts[id]; ok && refs.Orphan() {
			deletable = append(deletable, id)
		}
	}
	if len(deletable) == 0 {
		return nil, nil
	}

	if err := tx.Where("authority_id IN ?", uuidStrings(deletable)).Delete(&AuthorityHistory{}).Error; err != nil {
		return nil, fmt.Errorf("failed to delete authority history: %w", err)
	}
	if err := AllowAuthorityDelete(tx).Where("id IN ?", uuidStrings(deletable)).Delete(&Authority{}).Error; err != nil {
		return nil, fmt.Errorf("failed to delete authorities: %w", err)
	}
	return deletable, nil
}

// ReplaceAuthority repoints every reference of authority from to authority
// to, then deletes from. It merges two authorities created concurrently for
// the same label.
func (w *Writer) ReplaceAuthority(ctx context.Context, from, to uuid.UUID) error {
	if w.closed {
		return ErrWriterClosed
	}
	tx := w.tx.WithContext(ctx)

	buffered := false
	w.buf.authorities = slices.DeleteFunc(w.buf.authorities, func(a *Authority) bool {
		if a.ID == from {
			buffered = true
			return true
		}
		return false
	})
	for _, e := range w.buf.entries {
		if e.AuthorityID == from {
			e.AuthorityID = to
		}
	}
	for _, s := range w.buf.sameAs {
		if s.AuthorityID == from {
			s.AuthorityID = to
		}
	}

	if err := tx.Model(&IndexEntry{}).Where("authority_id = ?", from).Update("authority_id", to).Error; err != nil {
		return fmt.Errorf("failed to repoint index entries: %w", err)
	}
	if err := tx.Model(&AuthorityHistory{}).Where("authority_id = ?", from).Update("authority_id", to).Error; err != nil {
		return fmt.Errorf("failed to repoint authority history: %w", err)
	}

	var links []SameAs
	if err := tx.Where("authority_id = ?", from).Find(&links).Error; err != nil {
		return fmt.Errorf("failed to read same-as links: %w", err)
	}
	if len(links) > 0 {
		for i := range links {
			links[i].AuthorityID = to
		}
		if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error; err != nil {
			return fmt.Errorf("failed to move same-as links: %w", err)
		}
		if err := tx.Where("authority_id = ?", from).Delete(&SameAs{}).Error; err != nil {
			return fmt.Errorf("failed to move same-as links: %w", err)
		}
	}

	if buffered {
		return nil
	}
	if err := AllowAuthorityDelete(tx).Delete(&Authority{ID: from}).Error; err != nil {
		return fmt.Errorf("failed to delete merged authority %s: %w", from, err)
	}
	return nil
}

// Flush inserts the buffered writes in dependency order.
func (w *Writer) Flush(ctx context.Context) error {
	if w.closed {
		return ErrWriterClosed
	}
	tx := w.tx.WithContext(ctx)
	upsert := clause.OnConflict{UpdateAll: true}
	ignore := clause.OnConflict{DoNothing: true}

	b := &w.buf
	batches := []struct {
		n      int
		value  any
		clause clause.Expression
	}{
		{len(b.services), &b.services, upsert},
		{len(b.findingAids), &b.findingAids, nil},
		{len(b.components), &b.components, nil},
		{len(b.attachments), &b.attachments, nil},
		{len(b.authorities), &b.authorities, nil},
		{len(b.entries), &b.entries, nil},
		{len(b.persons), &b.persons, upsert},
		{len(b.sameAs), &b.sameAs, ignore},
		{len(b.grouped), &b.grouped, ignore},
	}
	for _, batch := range batches {
		if batch.n == 0 {
			continue
		}
		q := tx.Omit(clause.Associations)
		if batch.clause != nil {
			q = q.Clauses(batch.clause)
		}
		if err := q.CreateInBatches(batch.value, w.batchSize).Error; err != nil {
			return fmt.Errorf("failed to flush %T: %w", batch.value, err)
		}
	}

	w.buf = buffer{}
	return nil
}

// Commit flushes the buffered writes and commits the transaction.
func (w *Writer) Commit(ctx context.Context) error {
	if err := w.Flush(ctx); err != nil {
		return err
	}
	w.closed = true
	if err := w.tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Rollback discards the document's writes. It is a no-op once the writer is
// closed, so it can be deferred.
func (w *Writer) Rollback() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.buf = buffer{}
	return w.tx.Rollback().Error
}

func (b *buffer) add(entity any) error {
	switch e := entity.(type) {
	case *Service:
		b.services = append(b.services, e)
	case *FindingAid:
		b.findingAids = append(b.findingAids, e)
	case *FAComponent:
		b.components = append(b.components, e)
	case *Attachment:
		b.attachments = append(b.attachments, e)
	case *Authority:
		b.authorities = append(b.authorities, e)
	case *IndexEntry:
		b.entries = append(b.entries, e)
	case *PersonRecord:
		b.persons = append(b.persons, e)
	case *SameAs:
		b.sameAs = append(b.sameAs, e)
	case *GroupedWith:
		b.grouped = append(b.grouped, e)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedEntity, entity)
	}
	return nil
}

func sanitize(entity any) {
	switch e := entity.(type) {
	case *Service:
		e.Name = sanitizeString(e.Name)
		e.ShortName = sanitizeString(e.ShortName)
		e.City = sanitizeString(e.City)
	case *FindingAid:
		e.Title = sanitizeString(e.Title)
		e.Description = sanitizeString(e.Description)
	case *FAComponent:
		e.Title = sanitizeString(e.Title)
		e.Description = sanitizeString(e.Description)
	case *Attachment:
		e.Text = sanitizeString(e.Text)
	case *Authority:
		e.Label = sanitizeString(e.Label)
	case *IndexEntry:
		e.Label = sanitizeString(e.Label)
	case *PersonRecord:
		e.Forenames = sanitizeString(e.Forenames)
		e.Surname = sanitizeString(e.Surname)
	}
}

func pluckUUIDs(q *gorm.DB, column string) ([]uuid.UUID, error) {
	rows, err := q.Select(column).Rows()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", column, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", column, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
