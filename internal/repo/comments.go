package repo

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"recordflow/internal/domain"
)

func (r Repo) InsertComment(ctx context.Context, q Querier, c domain.Comment) error {
	b := r.sb().Insert("comments").Columns("id", "entity_id", "author_id", "body", "internal", "created_at").
		Values(c.ID, c.EntityID, c.AuthorID, c.Body, c.Internal, FormatTime(c.CreatedAt))
	_, err := execSQL(ctx, r.conn(q), b)
	return err
}

// ListComments returns comments in creation order. Internal comments are
// skipped unless includeInternal is set.
func (r Repo) ListComments(ctx context.Context, q Querier, entityID string, includeInternal bool) ([]domain.Comment, error) {
	b := r.sb().Select("id", "entity_id", "author_id", "body", "internal", "created_at").From("comments").
		Where(sq.Eq{"entity_id": entityID})
	if !includeInternal {
		b = b.Where(sq.Eq{"internal": false})
	}
	b = b.OrderBy("created_at ASC", "id ASC")
	rows, err := querySQL(ctx, r.conn(q), b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Comment
	for rows.Next() {
		var c domain.Comment
		var created string
		if err := rows.Scan(&c.ID, &c.EntityID, &c.AuthorID, &c.Body, &c.Internal, &created); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = ParseTime(created); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
