package models

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Normalize clamps page and size into the accepted range.
func Normalize(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// Offset returns the row offset for a normalized page.
func Offset(page, size int) int {
	return (page - 1) * size
}

// Page is a generic paginated result.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}
