package paginator

import (
	"context"
)

type PaginatedResponse[T any] struct {
	Items       []T  `json:"items"`
	CurrentPage int  `json:"current_page"`
	TotalPages  int  `json:"total_pages"`
	PrevPage    *int `json:"prev_page"`
	NextPage    *int `json:"next_page"`
	TotalItems  int  `json:"total_items"`
}

// Lister loads the full, ordered collection to paginate.
type Lister[T any] func(ctx context.Context) ([]T, error)

type Paginator[T any] interface {
	// Pagination over the items kept by filter. A nil filter keeps everything.
	Paginate(ctx context.Context, filter func(T) bool, page, limit int) (*PaginatedResponse[T], error)
}

type paginatorImpl[T any] struct {
	list Lister[T]
}

func NewPaginator[T any](list Lister[T]) Paginator[T] {
	return &paginatorImpl[T]{list: list}
}

func (p *paginatorImpl[T]) Paginate(ctx context.Context, filter func(T) bool, page, limit int) (*PaginatedResponse[T], error) {
	all, err := p.list(ctx)
	if err != nil {
		return nil, err
	}

	items := all
	if filter != nil {
		items = make([]T, 0, len(all))
		for _, item := range all {
			if filter(item) {
				items = append(items, item)
			}
		}
	}

	return Page(items, page, limit), nil
}

// Page slices items into the requested page.
func Page[T any](items []T, page, limit int) *PaginatedResponse[T] {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	totalItems := len(items)
	totalPages := (totalItems + limit - 1) / limit

	offset := (page - 1) * limit
	end := offset + limit
	if offset > totalItems {
		offset = totalItems
	}
	if end > totalItems {
		end = totalItems
	}

	// Determine prev/next pages
	var prevPage, nextPage *int
	if page > 1 {
		p := page - 1
		prevPage = &p
	}
	if page < totalPages {
		p := page + 1
		nextPage = &p
	}

	return &PaginatedResponse[T]{
		Items:       append([]T{}, items[offset:end]...),
		CurrentPage: page,
		TotalPages:  totalPages,
		PrevPage:    prevPage,
		NextPage:    nextPage,
		TotalItems:  totalItems,
	}
}
