package claim

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/p4sync/internal/entity"
)

// DefaultFileType is the entity type a revision links to.
const DefaultFileType = "PublishedFile"

// LinkField is the revision field that lists the change's published files.
// Sites differ in which of the two names carries the multi-entity field.
type LinkField int

const (
	// FieldPublishedFiles is sg_published_files, the default.
	FieldPublishedFiles LinkField = iota

	// FieldPublishedfiles is sg_publishedfiles.
	FieldPublishedfiles
)

// Name returns the schema field name.
func (f LinkField) Name() string {
	if f == FieldPublishedfiles {
		return "sg_publishedfiles"
	}
	return "sg_published_files"
}

// LinkField returns the link field this site uses. The first field whose
// schema is a multi-entity accepting the file type wins; when neither
// qualifies FieldPublishedFiles is used. The answer is memoized once
// negotiated. Transient store errors are returned and not memoized.
func (c *Claimer) LinkField(ctx context.Context) (LinkField, error) {
	if c.linkField != nil {
		return *c.linkField, nil
	}

	chosen := FieldPublishedFiles
	for _, candidate := range []LinkField{FieldPublishedFiles, FieldPublishedfiles} {
		field, err := c.store.FieldSchema(ctx, c.revType, candidate.Name())
		if err != nil {
			if entity.IsTransient(err) {
				return 0, fmt.Errorf("failed to read schema of %s.%s: %w", c.revType, candidate.Name(), err)
			}
			continue
		}
		if field.Accepts(c.fileType) {
			chosen = candidate
			break
		}
	}

	c.logger.Printf("Linking %s entities through %s.%s", c.fileType, c.revType, chosen.Name())
	c.linkField = &chosen
	return chosen, nil
}
