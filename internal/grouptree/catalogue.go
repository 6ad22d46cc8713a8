package grouptree

import (
	"context"
	"fmt"
	"sort"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/semester"
)

// GroupIDsForSemester collects every dean-group id stored for a semester
// identifier such as "2024Z", in ascending order.
func GroupIDsForSemester(ctx context.Context, r Reader, identifier string) ([]int64, error) {
	_, _, academicYear, err := semester.ParseIdentifier(identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	fieldsColl := docstore.Join(DeanGroupsCollection, academicYear, identifier)
	fields, err := r.ListDocuments(ctx, fieldsColl)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", fieldsColl, err)
	}

	ids := map[int64]struct{}{}
	for _, field := range fields {
		modes, err := r.ListCollections(ctx, field.Path)
		if err != nil {
			return nil, fmt.Errorf("list collections of %s: %w", field.Path, err)
		}
		for _, mode := range modes {
			semDocs, err := r.ListDocuments(ctx, docstore.Join(field.Path, mode))
			if err != nil {
				return nil, err
			}
			for _, d := range semDocs {
				for k, v := range d.Data {
					if k == "lastUpdated" {
						continue
					}
					if id, ok := groupID(v); ok {
						ids[id] = struct{}{}
					}
				}
			}
		}
	}

	out := make([]int64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
