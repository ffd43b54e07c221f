package meshdb

// AccessMode routes a query or transaction to read or write members of a
// cluster. It is forwarded to the ConnectionProvider and into BEGIN/RUN
// metadata; the core does not interpret it further.
type AccessMode int

const (
	// WriteMode routes to a writer. This is the default.
	WriteMode AccessMode = iota
	// ReadMode routes to a reader.
	ReadMode
)

// String returns the protocol spelling of the access mode.
func (m AccessMode) String() string {
	if m == ReadMode {
		return "r"
	}
	return "w"
}

// Bookmarks is a set of opaque causal-consistency tokens produced by completed
// transactions. Passing the bookmarks of a previous transaction to a new
// session guarantees the new session observes at least that state.
type Bookmarks []string

// FetchAll turns off fetching records in batches; the server streams the whole
// result after a single PULL.
const FetchAll = -1

// FetchDefault lets the runtime decide the fetch size.
const FetchDefault = 0

// DefaultFetchSize is the PULL batch size used when the session config leaves
// the fetch size at FetchDefault.
const DefaultFetchSize = 1000

// Record is one row of a streamed result.
type Record struct {
	// Keys are the column names, shared by all records of one result.
	Keys []string
	// Values are the column values, positionally aligned with Keys.
	Values []any
}

// Get returns the value for the named column and whether the column exists.
func (r *Record) Get(key string) (any, bool) {
	for i, k := range r.Keys {
		if k == key {
			return r.Values[i], true
		}
	}
	return nil, false
}

// ResultSummary carries the metadata delivered with the terminal SUCCESS of a
// result stream. When a stream fails, a summary is still synthesized from
// empty metadata so the summary is never unavailable alongside the error.
type ResultSummary struct {
	// Query and Params echo the originating request.
	Query  string
	Params map[string]any
	// Metadata is the raw terminal metadata, uninterpreted by the core.
	Metadata map[string]any
	// Bookmark is the causal token minted by the completing transaction,
	// empty when the server did not produce one.
	Bookmark string
}

// NewSummary builds a summary from terminal metadata, extracting the bookmark
// field when present.
func NewSummary(query string, params map[string]any, meta map[string]any) *ResultSummary {
	s := &ResultSummary{Query: query, Params: params, Metadata: meta}
	if meta != nil {
		if b, ok := meta["bookmark"].(string); ok {
			s.Bookmark = b
		}
	}
	return s
}
