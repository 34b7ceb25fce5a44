package model

// Page is one slice of a longer listing.
type Page[T any] struct {
	Data     []T `json:"data"`
	Total    int `json:"total"`
	Pages    int `json:"pages"`
	PageNum  int `json:"pageNum"`
	PageSize int `json:"pageSize"`
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Paginate cuts items into the page-th page of size entries. Page numbers
// start at 1; out-of-range values fall back to the defaults.
func Paginate[T any](items []T, page, size int) *Page[T] {
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	if page <= 0 {
		page = 1
	}
	total := len(items)
	start := total
	if page-1 <= total/size {
		start = min((page-1)*size, total)
	}
	end := start + size
	if end > total {
		end = total
	}
	data := make([]T, end-start)
	copy(data, items[start:end])
	return &Page[T]{
		Data:     data,
		Total:    total,
		Pages:    (total + size - 1) / size,
		PageNum:  page,
		PageSize: size,
	}
}
