package pagination

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"openledger/pkg/db/option"

	"gorm.io/gorm"
)

const (
	DirectionNext = "next"
	DirectionPrev = "prev"

	SortAsc  = "asc"
	SortDesc = "desc"

	DefaultLimit = 10
	MaxLimit     = 250
)

// Cursor marks a keyset boundary. ID is the key-column value of the row the
// page starts after (next) or before (prev).
type Cursor struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
}

// Options controls one paginated fetch. SortOrder is the initial presentation
// order of the listing; Cursor is the opaque token from a previous page.
type Options struct {
	Limit     int
	Cursor    string
	SortOrder string
}

// Page is a slice of rows in presentation order plus boundary cursors.
// NextCursor/PrevCursor are empty when there is no further page that way.
type Page[T any] struct {
	Items      []*T   `json:"items"`
	HasNext    bool   `json:"has_next"`
	HasPrev    bool   `json:"has_prev"`
	NextCursor string `json:"next_cursor,omitempty"`
	PrevCursor string `json:"prev_cursor,omitempty"`
}

func EncodeCursor(cursor Cursor) string {
	b, _ := json.Marshal(cursor)
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeCursor parses an opaque cursor token. A malformed token is treated as
// absent, never as an error.
func DecodeCursor(token string) (Cursor, bool) {
	if token == "" {
		return Cursor{}, false
	}

	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, false
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return Cursor{}, false
	}

	if cursor.ID == "" || (cursor.Direction != DirectionNext && cursor.Direction != DirectionPrev) {
		return Cursor{}, false
	}

	return cursor, true
}

// directionRules returns the comparison operator and effective fetch order for
// a cursor direction against the configured initial sort order.
func directionRules(sortOrder, direction string) (operator option.Operator, effectiveOrder string) {
	asc := !strings.EqualFold(sortOrder, SortDesc)

	if direction == DirectionPrev {
		if asc {
			return option.LT, SortDesc
		}
		return option.GT, SortAsc
	}

	if asc {
		return option.GT, SortAsc
	}
	return option.LT, SortDesc
}

// Paginate fetches one page of T rows from query using keyset pagination on
// keyColumn, which must be monotonically sortable (the row's chronologically
// ordered identifier). keyOf extracts that column's value from a fetched row.
func Paginate[T any](query *gorm.DB, keyColumn string, keyOf func(*T) string, opts Options) (*Page[T], error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	cursor, hasCursor := DecodeCursor(opts.Cursor)
	direction := DirectionNext
	if hasCursor {
		direction = cursor.Direction
	}

	operator, effectiveOrder := directionRules(opts.SortOrder, direction)

	tx := option.WithSortBy(option.QuerySortBy{SortBy: keyColumn, OrderBy: effectiveOrder})(query)
	if hasCursor {
		tx = option.ApplyOperator(option.Condition{Field: keyColumn, Operator: operator, Value: cursor.ID})(tx)
	}

	var rows []*T
	if err := option.WithLimit(limit + 1)(tx).Find(&rows).Error; err != nil {
		return nil, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	// Backward navigation fetches in reverse; restore presentation order.
	if direction == DirectionPrev {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	page := &Page[T]{Items: rows}

	switch direction {
	case DirectionPrev:
		page.HasPrev = hasMore
		page.HasNext = true
	default:
		page.HasNext = hasMore
		page.HasPrev = hasCursor
	}

	if len(rows) > 0 {
		if page.HasNext {
			page.NextCursor = EncodeCursor(Cursor{ID: keyOf(rows[len(rows)-1]), Direction: DirectionNext})
		}
		if page.HasPrev {
			page.PrevCursor = EncodeCursor(Cursor{ID: keyOf(rows[0]), Direction: DirectionPrev})
		}
	}

	return page, nil
}
