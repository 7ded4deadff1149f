package query

// Sort orders the outermost result set.
type Sort struct {
	Field string `json:"field"`
	Dir   string `json:"dir,omitempty"` // asc (default) or desc
}

// Raw is a complete query request against one resource.
type Raw struct {
	Resource     string  `json:"resource"`
	Where        Where   `json:"where,omitempty"`
	Include      Include `json:"include,omitempty"`
	Limit        int     `json:"limit,omitempty"`
	Sort         []Sort  `json:"sort,omitempty"`
	LastSyncedAt string  `json:"lastSyncedAt,omitempty"`
}
