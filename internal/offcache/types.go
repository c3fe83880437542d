package offcache

import "net/http"

// BucketKind is the logical name of a cache bucket.
type BucketKind string

const (
	BucketStatic  BucketKind = "static"
	BucketDynamic BucketKind = "dynamic"
)

// Response types, named after the fetch API's Response.type.
const (
	ResponseBasic  = "basic"
	ResponseCORS   = "cors"
	ResponseOpaque = "opaque"
)

type CacheEntry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32

	// Type is "basic" when the final response URL is on the origin host.
	// Only basic entries are ever stored.
	Type string
}

// Cacheable reports whether the snapshot may be written to a bucket.
func (e CacheEntry) Cacheable() bool {
	return e.Status == http.StatusOK && e.Type == ResponseBasic
}

// BucketSize is one row of a GET_CACHE_SIZE reply.
type BucketSize struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// State is the lifecycle phase of a Service.
type State int32

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActive
	StateSuperseded
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}
