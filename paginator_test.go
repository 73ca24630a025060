package keyset

import (
	"context"
	"errors"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordIDs(records []tProject) []int64 {
	return lo.Map(records, func(p tProject, _ int) int64 { return p.ID })
}

// walkPages follows next (or previous) cursors starting at cursor and returns the
// ids of every page in query order.
func walkPages(t *testing.T, q OrderedQuery, params PaginateParams[tProject], forward bool) [][]int64 {
	t.Helper()

	var pages [][]int64
	for i := 0; ; i++ {
		require.Less(t, i, 100, "pagination does not terminate")

		p, err := Paginate(context.Background(), q, params)
		require.NoError(t, err)

		if forward {
			pages = append(pages, recordIDs(p.Records()))
			if !p.HasNextPage() {
				return pages
			}
			params.Cursor = p.CursorForNextPage()
		} else {
			pages = append([][]int64{recordIDs(p.Records())}, pages...)
			if !p.HasPreviousPage() {
				return pages
			}
			params.Cursor = p.CursorForPreviousPage()
		}
	}
}

func TestPaginate_Forward(t *testing.T) {
	db := newSQLiteDB(t)
	seedProjects(t, db, projectFixtures())
	queries := countQueries(t, db)

	pages := walkPages(t, projectsQuery(db, nameIDOrder(t, DirectionASC)), PaginateParams[tProject]{PerPage: 2}, true)

	assert.Equal(t, [][]int64{{1, 3}, {7, 2}, {5, 6}, {8, 4}, {9}}, pages)
	assert.Equal(t, 5, *queries, "every page is read with a single statement")
}

func TestPaginate_Flags(t *testing.T) {
	db := newSQLiteDB(t)
	seedProjects(t, db, projectFixtures())
	q := projectsQuery(db, nameIDOrder(t, DirectionASC))
	ctx := context.Background()

	first, err := Paginate(ctx, q, PaginateParams[tProject]{PerPage: 4})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 7, 2}, recordIDs(first.Records()))
	assert.True(t, first.HasNextPage())
	assert.False(t, first.HasPreviousPage())
	assert.NotEmpty(t, first.CursorForNextPage())
	assert.NotEmpty(t, first.CursorForLastPage())
	assert.Empty(t, first.CursorForPreviousPage())
	assert.Empty(t, first.CursorForFirstPage())
	assert.Nil(t, first.CursorAttributes())
	assert.Equal(t, 4, first.PerPage())

	attributes, direction, err := DecodeCursor(first.CursorForNextPage())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "beta", "id": int64(2)}, attributes)
	assert.Equal(t, CursorDirectionNext, direction)

	second, err := Paginate(ctx, q, PaginateParams[tProject]{PerPage: 4, Cursor: first.CursorForNextPage()})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 8, 4}, recordIDs(second.Records()))
	assert.True(t, second.HasNextPage())
	assert.True(t, second.HasPreviousPage())
	assert.Equal(t, attributes, second.CursorAttributes())

	attributes, direction, err = DecodeCursor(second.CursorForPreviousPage())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "beta", "id": int64(5)}, attributes)
	assert.Equal(t, CursorDirectionPrev, direction)

	last, err := Paginate(ctx, q, PaginateParams[tProject]{PerPage: 4, Cursor: second.CursorForNextPage()})
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, recordIDs(last.Records()))
	assert.False(t, last.HasNextPage())
	assert.True(t, last.HasPreviousPage())
	assert.Empty(t, last.CursorForNextPage())
	assert.Empty(t, last.CursorForLastPage())
}

func TestPaginate_Backward(t *testing.T) {
	tests := []struct {
		name  string
		order func(t *testing.T) *Order
	}{
		{name: "name ascending", order: func(t *testing.T) *Order { return nameIDOrder(t, DirectionASC) }},
		{name: "name descending", order: func(t *testing.T) *Order { return nameIDOrder(t, DirectionDESC) }},
		{name: "year with NULLs last", order: func(t *testing.T) *Order { return yearIDOrder(t, DirectionASC) }},
		{name: "year with NULLs first", order: func(t *testing.T) *Order { return yearIDOrder(t, DirectionDESC) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newSQLiteDB(t)
			seedProjects(t, db, projectFixtures())
			q := projectsQuery(db, tt.order(t))

			forward := walkPages(t, q, PaginateParams[tProject]{PerPage: 2}, true)
			require.Len(t, forward, 5)

			// Step to the last page and walk back from there.
			var last *Paginator[tProject]
			params := PaginateParams[tProject]{PerPage: 2}
			for {
				p, err := Paginate(context.Background(), q, params)
				require.NoError(t, err)
				last = p
				if !p.HasNextPage() {
					break
				}
				params.Cursor = p.CursorForNextPage()
			}

			backward := walkPages(t, q, PaginateParams[tProject]{PerPage: 2, Cursor: last.CursorForPreviousPage()}, false)
			assert.Equal(t, forward[:len(forward)-1], backward)
		})
	}
}

func TestPaginate_NullPlacement(t *testing.T) {
	db := newSQLiteDB(t)
	seedProjects(t, db, projectFixtures())

	asc := walkPages(t, projectsQuery(db, yearIDOrder(t, DirectionASC)), PaginateParams[tProject]{PerPage: 2}, true)
	assert.Equal(t, _idsByYearNullsLast, lo.Flatten(asc))

	desc := walkPages(t, projectsQuery(db, yearIDOrder(t, DirectionDESC)), PaginateParams[tProject]{PerPage: 2}, true)
	assert.Equal(t, _idsByYearNullsFirst, lo.Flatten(desc))
}

func TestPaginate_FirstAndLastPage(t *testing.T) {
	db := newSQLiteDB(t)
	seedProjects(t, db, projectFixtures())
	q := projectsQuery(db, nameIDOrder(t, DirectionASC))
	ctx := context.Background()

	first, err := Paginate(ctx, q, PaginateParams[tProject]{PerPage: 2})
	require.NoError(t, err)

	last, err := Paginate(ctx, q, PaginateParams[tProject]{PerPage: 2, Cursor: first.CursorForLastPage()})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 9}, recordIDs(last.Records()))
	assert.False(t, last.HasNextPage())
	assert.True(t, last.HasPreviousPage())

	again, err := Paginate(ctx, q, PaginateParams[tProject]{PerPage: 2, Cursor: last.CursorForFirstPage()})
	require.NoError(t, err)
	assert.Equal(t, recordIDs(first.Records()), recordIDs(again.Records()))
	assert.False(t, again.HasPreviousPage())
	assert.True(t, again.HasNextPage())
}

func TestPaginate_ConcurrentInsert(t *testing.T) {
	db := newSQLiteDB(t)
	seedProjects(t, db, projectFixtures())
	q := projectsQuery(db, nameIDOrder(t, DirectionASC))
	ctx := context.Background()

	first, err := Paginate(ctx, q, PaginateParams[tProject]{PerPage: 2})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, recordIDs(first.Records()))

	// One row sorts before the cursor, the other one after it.
	require.NoError(t, db.Create(&[]tProject{
		{ID: 10, Name: "aaa", Month: 1},
		{ID: 11, Name: "beta", Month: 1},
	}).Error)

	rest := walkPages(t, q, PaginateParams[tProject]{PerPage: 2, Cursor: first.CursorForNextPage()}, true)
	assert.Equal(t, []int64{7, 2, 5, 11, 6, 8, 4, 9}, lo.Flatten(rest))
}

func TestPaginate_UnionOptimization(t *testing.T) {
	orders := map[string]func(t *testing.T) *Order{
		"name ascending":        func(t *testing.T) *Order { return nameIDOrder(t, DirectionASC) },
		"name descending":       func(t *testing.T) *Order { return nameIDOrder(t, DirectionDESC) },
		"year with NULLs last":  func(t *testing.T) *Order { return yearIDOrder(t, DirectionASC) },
		"year with NULLs first": func(t *testing.T) *Order { return yearIDOrder(t, DirectionDESC) },
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			db := newSQLiteDB(t)
			seedProjects(t, db, projectFixtures())
			q := projectsQuery(db, order(t))

			plain := walkPages(t, q, PaginateParams[tProject]{PerPage: 2}, true)
			union := walkPages(t, q, PaginateParams[tProject]{PerPage: 2, UseUnionOptimization: true}, true)
			assert.Equal(t, plain, union)
		})
	}
}

func TestPaginate_Getters(t *testing.T) {
	db := newSQLiteDB(t)
	seedProjects(t, db, projectFixtures())
	q := projectsQuery(db, nameIDOrder(t, DirectionASC))

	getters := Getters[tProject]{
		"name": func(p tProject) any { return p.Name },
		"id":   func(p tProject) any { return p.ID },
	}

	pages := walkPages(t, q, PaginateParams[tProject]{PerPage: 3, Getters: getters}, true)
	assert.Equal(t, [][]int64{{1, 3, 7}, {2, 5, 6}, {8, 4, 9}}, pages)
}

func TestPaginate_EmptyTable(t *testing.T) {
	db := newSQLiteDB(t)
	seedProjects(t, db, nil)

	p, err := Paginate(context.Background(), projectsQuery(db, nameIDOrder(t, DirectionASC)), PaginateParams[tProject]{})
	require.NoError(t, err)
	assert.Empty(t, p.Records())
	assert.False(t, p.HasNextPage())
	assert.False(t, p.HasPreviousPage())
	assert.Empty(t, p.CursorForNextPage())
	assert.Empty(t, p.CursorForPreviousPage())
	assert.Equal(t, DefaultPageSize, p.PerPage())
}

func TestPaginate_Errors(t *testing.T) {
	db := newSQLiteDB(t)
	seedProjects(t, db, projectFixtures())
	ctx := context.Background()
	q := projectsQuery(db, nameIDOrder(t, DirectionASC))

	_, err := Paginate(ctx, q, PaginateParams[tProject]{Cursor: "%%%"})
	assert.True(t, errors.Is(err, ErrInvalidCursor))

	cursor, err := EncodeCursor(map[string]any{"year": int64(2010)}, CursorDirectionNext)
	require.NoError(t, err)
	_, err = Paginate(ctx, q, PaginateParams[tProject]{Cursor: cursor})
	assert.True(t, errors.Is(err, ErrInvalidCursor))

	incomplete := projectsQuery(db, mustOrder(t, mustColumn(t, "name", Asc(Col("name")))))
	_, err = Paginate(ctx, incomplete, PaginateParams[tProject]{})
	assert.True(t, errors.Is(err, ErrInvalidOrder))
}

func TestPaginatePage(t *testing.T) {
	db := newSQLiteDB(t)
	seedProjects(t, db, projectFixtures())
	ctx := context.Background()

	q := projectsQuery(db, mustOrder(t, mustColumn(t, "id", Asc(Col("id")), Distinct())))

	page, err := NewPage(Orderings{{Column: "id", Direction: DirectionASC}}, nil, 4)
	require.NoError(t, err)

	var pages [][]int64
	for page != nil {
		var records []tProject
		records, page, err = PaginatePage[tProject](ctx, q, page, nil)
		require.NoError(t, err)
		pages = append(pages, recordIDs(records))
	}
	assert.Equal(t, [][]int64{{1, 2, 3, 4}, {5, 6, 7, 8}, {9}}, pages)

	mismatch, err := NewPage(Orderings{{Column: "id", Direction: DirectionDESC}}, nil, 4)
	require.NoError(t, err)
	_, _, err = PaginatePage[tProject](ctx, q, mismatch, nil)
	assert.True(t, errors.Is(err, ErrOrderMismatch))
}

func TestPaginate_YearMonthWalk(t *testing.T) {
	db := newSQLiteDB(t)
	seedProjects(t, db, []tProject{
		{ID: 1, Name: "a", Year: int64Ptr(2010), Month: 2},
		{ID: 2, Name: "b", Year: int64Ptr(2011), Month: 1},
		{ID: 3, Name: "c", Year: int64Ptr(2010), Month: 1},
		{ID: 4, Name: "d", Year: int64Ptr(2013), Month: 3},
		{ID: 5, Name: "e", Year: int64Ptr(2012), Month: 7},
		{ID: 6, Name: "f", Year: int64Ptr(2011), Month: 1},
		{ID: 7, Name: "g", Year: int64Ptr(2012), Month: 2},
		{ID: 8, Name: "h", Year: int64Ptr(2010), Month: 2},
		{ID: 9, Name: "i", Year: int64Ptr(2013), Month: 5},
	})
	queries := countQueries(t, db)

	pages := walkPages(t, projectsQuery(db, yearMonthIDOrder(t)), PaginateParams[tProject]{PerPage: 2}, true)

	assert.Equal(t, [][]int64{{3, 1}, {8, 2}, {6, 7}, {5, 4}, {9}}, pages)
	assert.Equal(t, 5, *queries)
}

type tRelease struct {
	ID    int64 `gorm:"primaryKey"`
	Year  *int64
	Month *int64
}

func (tRelease) TableName() string {
	return "releases"
}

func TestPaginate_NullsLastOnEveryColumn(t *testing.T) {
	db := newSQLiteDB(t)
	require.NoError(t, db.AutoMigrate(&tRelease{}))
	require.NoError(t, db.Create(&[]tRelease{
		{ID: 1, Year: int64Ptr(2010), Month: nil},
		{ID: 2, Year: int64Ptr(2010), Month: int64Ptr(2)},
		{ID: 3, Year: nil, Month: nil},
		{ID: 4, Year: nil, Month: int64Ptr(1)},
		{ID: 5, Year: int64Ptr(2009), Month: nil},
	}).Error)

	order := mustOrder(t,
		mustColumn(t, "year", Asc(Col("year")).NullsLast(), WithNullable(NullsLast)),
		mustColumn(t, "month", Asc(Col("month")).NullsLast(), WithNullable(NullsLast)),
		mustColumn(t, "id", Asc(Col("id")), Distinct()),
	)
	q := order.Attach(db.Model(&tRelease{}))

	for _, perPage := range []int{1, 2, 3} {
		var (
			ids    []int64
			params = PaginateParams[tRelease]{PerPage: perPage}
		)
		for i := 0; i < 10; i++ {
			p, err := Paginate(context.Background(), q, params)
			require.NoError(t, err)
			ids = append(ids, lo.Map(p.Records(), func(r tRelease, _ int) int64 { return r.ID })...)

			if !p.HasNextPage() {
				break
			}
			params.Cursor = p.CursorForNextPage()
		}

		assert.Equal(t, []int64{5, 2, 1, 4, 3}, ids, "per page %d", perPage)
	}
}

func TestPaginate_ComputedColumn(t *testing.T) {
	db := newSQLiteDB(t)
	// SQLite folds ASCII letters only: LOWER keeps É and é apart.
	seedProjects(t, db, []tProject{
		{ID: 1, Name: "Éa"},
		{ID: 2, Name: "Éz"},
		{ID: 3, Name: "éb"},
		{ID: 4, Name: "Ab"},
	})
	order := mustOrder(t,
		mustColumn(t, "lower_name", Asc(Lower(Col("name")))),
		mustColumn(t, "id", Asc(Col("id")), Distinct()),
	)
	q := projectsQuery(db, order)

	forward := walkPages(t, q, PaginateParams[tProject]{PerPage: 1}, true)
	assert.Equal(t, [][]int64{{4}, {1}, {2}, {3}}, forward)

	first, err := Paginate(context.Background(), q, PaginateParams[tProject]{PerPage: 2})
	require.NoError(t, err)
	attributes, _, err := DecodeCursor(first.CursorForNextPage())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"lower_name": "Éa", "id": int64(1)}, attributes)

	last, err := Paginate(context.Background(), q, PaginateParams[tProject]{PerPage: 1, Cursor: first.CursorForLastPage()})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, recordIDs(last.Records()))

	backward := walkPages(t, q, PaginateParams[tProject]{PerPage: 1, Cursor: last.CursorForPreviousPage()}, false)
	assert.Equal(t, [][]int64{{4}, {1}, {2}}, backward)

	ids, _ := collectBatches(t, lo.Must(NewIterator(q)), 1)
	assert.Equal(t, []int64{4, 1, 2, 3}, ids)
}
