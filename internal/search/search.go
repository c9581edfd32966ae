package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultQuestion ResultType = "question"
	ResultThread   ResultType = "thread"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	Tags     []string   `json:"tags"`
	AuthorID string     `json:"authorId"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	FilterTag  string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexQuestion(q QuestionRecord) error
	IndexThread(t ThreadRecord) error
	DeleteThread(id string) error
}

// QuestionRecord is the data we index for a converted question.
type QuestionRecord struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags"`
	AuthorID string   `json:"authorId"`
}

// ThreadRecord is the data we index for a live thread while it is active.
type ThreadRecord struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	CreatorID   string   `json:"creatorId"`
}
