package database

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const allowDeleteKey = "findingaids:allow_authority_delete"

// AllowAuthorityDelete flags the statements of tx as authorised to delete
// authorities regardless of their references. The flag lives only as long as
// the returned handle.
func AllowAuthorityDelete(tx *gorm.DB) *gorm.DB {
	return tx.Set(allowDeleteKey, true)
}

// BeforeDelete refuses to delete an authority that is still referenced.
func (a *Authority) BeforeDelete(tx *gorm.DB) error {
	if allowed, ok := tx.Get(allowDeleteKey); ok && allowed == true {
		return nil
	}

	if a.ID == uuid.Nil {
		return fmt.Errorf("%w: authorities can only be deleted one at a time unless explicitly allowed", ErrIntegrity)
	}

	counts, err := referenceCounts(tx.Statement.Context, tx.Session(&gorm.Session{NewDB: true}), []uuid.UUID{a.ID})
	if err != nil {
		return err
	}
	if refs, ok := counts[a.ID]; ok && !refs.Orphan() {
		return fmt.Errorf("%w: authority %s is referenced by %d index entries, %d same-as and %d grouped-with links",
			ErrIntegrity, a.ID, refs.Total(), refs.SameAs, refs.Grouped)
	}
	return nil
}
