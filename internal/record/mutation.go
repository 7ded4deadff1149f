package record

// Procedures of the generic mutation surface. Custom mutations carry their
// declared name instead.
const (
	ProcedureInsert = "INSERT"
	ProcedureUpdate = "UPDATE"
)

// Mutation is the envelope the storage layer hands to the subscriber notifier
// after a committed write, and the delta delivered to standing-query
// subscribers. ID carries the originating client message id when known, so
// the client can correlate its own optimistic writes.
type Mutation struct {
	ID         string       `json:"id"`
	Resource   string       `json:"resource"`
	ResourceID string       `json:"resourceId"`
	Procedure  string       `json:"procedure"`
	Payload    Materialized `json:"payload"`
}

// IsInsert reports whether the mutation is a generic insert.
func (m *Mutation) IsInsert() bool {
	return m.Procedure == ProcedureInsert
}
