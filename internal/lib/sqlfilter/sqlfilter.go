// Package sqlfilter собирает WHERE / ORDER BY / LIMIT для списков из заранее разрешённых колонок.
// Пользовательские значения попадают в запрос только как плейсхолдеры $n.
package sqlfilter

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownField    = errors.New("sqlfilter: field is not filterable")
	ErrUnknownOperator = errors.New("sqlfilter: operator is not allowed")
	ErrUnknownSort     = errors.New("sqlfilter: field is not sortable")
)

type Operator string

const (
	Eq  Operator = "="
	Gte Operator = ">="
	Lte Operator = "<="
)

var allowedOperators = map[Operator]struct{}{Eq: {}, Gte: {}, Lte: {}}

// Schema задаёт белый список, где публичное имя параметра → выражение колонки в SQL
type Schema struct {
	Filters     map[string]string
	Sorts       map[string]string
	DefaultSort string
	// TieBreaker добавляется в ORDER BY последним, чтобы пагинация была стабильной
	TieBreaker string
	MaxLimit   int
}

type Query struct {
	schema Schema
	conds  []string
	args   []any
	sort   string
	desc   bool
	limit  int
	offset int
}

func (s Schema) NewQuery() *Query {
	return &Query{schema: s, sort: s.DefaultSort, desc: true}
}

// Where добавляет условие. На неизвестное поле или оператор возвращается ошибка.
func (q *Query) Where(field string, op Operator, value any) error {
	column, ok := q.schema.Filters[field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	if _, ok := allowedOperators[op]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
	q.args = append(q.args, value)
	q.conds = append(q.conds, fmt.Sprintf("%s %s $%d", column, op, len(q.args)))
	return nil
}

func (q *Query) SortBy(field string, desc bool) error {
	if _, ok := q.schema.Sorts[field]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSort, field)
	}
	q.sort = field
	q.desc = desc
	return nil
}

func (q *Query) Page(limit, offset int) {
	if limit <= 0 || (q.schema.MaxLimit > 0 && limit > q.schema.MaxLimit) {
		limit = q.schema.MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	q.limit = limit
	q.offset = offset
}

// Build дописывает условия к базовому SELECT и возвращает аргументы в порядке плейсхолдеров.
func (q *Query) Build(base string) (string, []any) {
	var sb strings.Builder
	sb.WriteString(base)

	if len(q.conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(q.conds, " AND "))
	}

	args := append([]any(nil), q.args...)

	if column, ok := q.schema.Sorts[q.sort]; ok {
		dir := "ASC"
		if q.desc {
			dir = "DESC"
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(column + " " + dir)
		if q.schema.TieBreaker != "" && q.schema.TieBreaker != column {
			sb.WriteString(", " + q.schema.TieBreaker + " " + dir)
		}
	}

	if q.limit > 0 {
		args = append(args, q.limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if q.offset > 0 {
		args = append(args, q.offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	return sb.String(), args
}
