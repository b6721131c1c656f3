package repository

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Pagination 分页参数，Page 从 1 开始
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// NewPagination 创建分页参数；越界值被夹到合法范围
func NewPagination(page, pageSize int) Pagination {
	page = max(page, 1)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return Pagination{Page: page, PageSize: min(pageSize, maxPageSize)}
}

// Offset 偏移量
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Limit 每页条数
func (p Pagination) Limit() int {
	return p.PageSize
}

// PagedResult 一页任务及总数
type PagedResult[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

// NewPagedResult 组装分页结果；零值分页按默认值计算页数
func NewPagedResult[T any](items []T, total int64, p Pagination) *PagedResult[T] {
	if p.PageSize < 1 {
		p = NewPagination(p.Page, p.PageSize)
	}
	pages := int((total + int64(p.PageSize) - 1) / int64(p.PageSize))
	return &PagedResult[T]{
		Items:      items,
		Total:      total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: pages,
	}
}
