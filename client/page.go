package client

// PageOption adjusts a Scan or Query request.
type PageOption func(*pageParams)

func WithLimit(n int) PageOption {
	return func(p *pageParams) { p.Limit = n }
}

func WithOffset(n int) PageOption {
	return func(p *pageParams) { p.Offset = n }
}

// WithFilter keeps only documents whose field name equals value. Query only.
func WithFilter(name string, value any) PageOption {
	return func(p *pageParams) {
		if p.Filters == nil {
			p.Filters = make(map[string]any)
		}
		p.Filters[name] = value
	}
}

// WithFilters adds every entry of filters, see WithFilter.
func WithFilters(filters map[string]any) PageOption {
	return func(p *pageParams) {
		for k, v := range filters {
			WithFilter(k, v)(p)
		}
	}
}

func newPage(table string, opts []PageOption) pageParams {
	p := pageParams{TableName: table, Limit: DefaultLimit, Offset: DefaultOffset}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
