// Package api defines the transport-agnostic request/response shapes and
// error envelope from spec.md 6, kept separate from any HTTP framework so
// internal/collection and internal/txn never import net/http. Field
// naming and the error envelope's shape follow the teacher's own
// bucketteer HTTP-adjacent DTOs: flat JSON structs tagged with
// json-iterator/go-compatible struct tags, errors carrying a numeric
// status plus a short machine-checkable code.
package api

// CreateCollectionRequest is the input to collection creation, per
// spec.md 6.
type CreateCollectionRequest struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Dimension       int             `json:"dimension"`
	Metric          string          `json:"metric,omitempty"`
	MinVal          float32         `json:"min_val"`
	MaxVal          float32         `json:"max_val"`
	StorageType     string          `json:"storage_type,omitempty"`
	SparseDimension int             `json:"sparse_dimension,omitempty"`
	MetadataSchema  map[string]any  `json:"metadata_schema,omitempty"`
}

// CollectionSummary is the outward-facing view of a collection, deriving
// status from internal/collection.Status.
type CollectionSummary struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Status    string `json:"status"`
}

// UpsertVectorRequest carries one vector for the transaction coordinator.
type UpsertVectorRequest struct {
	ID        VectorIDDTO `json:"id"`
	Embedding []float32   `json:"embedding"`
}

// BatchUpsertRequest carries many vectors to apply under one transaction.
type BatchUpsertRequest struct {
	Vectors []UpsertVectorRequest `json:"vectors"`
}

// VectorIDDTO is the wire form of storage.VectorId: exactly one of IntID
// or StrID is set.
type VectorIDDTO struct {
	IntID *int64  `json:"int_id,omitempty"`
	StrID *string `json:"str_id,omitempty"`
}

// SearchRequest is a dense ANN query, per spec.md 6.
type SearchRequest struct {
	Embedding []float32 `json:"embedding"`
	TopK      int       `json:"top_k"`
	Ef        int       `json:"ef,omitempty"`
}

// SearchResult is one scored hit.
type SearchResult struct {
	ID    VectorIDDTO `json:"id"`
	Score float32     `json:"score"`
}

// SearchResponse wraps a ranked result set.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// SparseQueryRequest is a sparse ANN query over (index, value) pairs.
type SparseQueryRequest struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
	TopK    int       `json:"top_k"`
}

// ErrorCode classifies an ErrorResponse the way a client can branch on
// without parsing Message, mirroring internal/errs.Kind one layer up at
// the transport boundary.
type ErrorCode string

const (
	CodeValidation ErrorCode = "validation_error"
	CodeNotFound   ErrorCode = "not_found"
	CodeConflict   ErrorCode = "conflict"
	CodeInternal   ErrorCode = "internal_error"
	CodeNotImplemented ErrorCode = "not_implemented"
)

// ErrorResponse is the HTTP error envelope from spec.md 6: every
// non-2xx response body has this shape, with Status matching the HTTP
// status line (400 validation, 404 not found, 409 conflict, 500
// internal, 501 not implemented).
type ErrorResponse struct {
	Status  int       `json:"status"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// HTTPStatus maps an ErrorCode to the status line spec.md 6 calls for.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return 400
	case CodeNotFound:
		return 404
	case CodeConflict:
		return 409
	case CodeNotImplemented:
		return 501
	default:
		return 500
	}
}
