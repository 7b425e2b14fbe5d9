package memory

import "github.com/m-mizutani/goerr/v2"

// Result is the uniform response envelope of every Engine operation.
// On failure Data is the zero value and Error carries the message.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`

	// Err keeps the classified error for callers that inspect tags.
	Err error `json:"-"`
}

// NotFound reports whether the operation failed on an unknown id.
func (r Result[T]) NotFound() bool {
	return r.Err != nil && goerr.HasTag(r.Err, ErrTagNotFound)
}

// Invalid reports whether the operation rejected its input.
func (r Result[T]) Invalid() bool {
	return r.Err != nil && goerr.HasTag(r.Err, ErrTagInvalid)
}

// normalizer is implemented by payloads whose lists must encode as [] and
// never as null.
type normalizer interface {
	normalize()
}

func ok[T any](data T) Result[T] {
	if n, isN := any(&data).(normalizer); isN {
		n.normalize()
	}
	return Result[T]{Success: true, Data: data}
}

func fail[T any](err error) Result[T] {
	var data T
	if n, isN := any(&data).(normalizer); isN {
		n.normalize()
	}
	return Result[T]{Data: data, Error: err.Error(), Err: err}
}

type AddData struct {
	ID string `json:"id"`
}

type ScoredRecord struct {
	Record
	Similarity float64 `json:"similarity"`
	Distance   float64 `json:"distance"`
}

type SearchData struct {
	Results []ScoredRecord `json:"results"`
}

func (d *SearchData) normalize() {
	if d.Results == nil {
		d.Results = []ScoredRecord{}
	}
}

type ListData struct {
	Items   []Record `json:"items"`
	Total   int      `json:"total"`
	Page    int      `json:"page"`
	Limit   int      `json:"limit"`
	HasMore bool     `json:"hasMore"`
}

func (d *ListData) normalize() {
	if d.Items == nil {
		d.Items = []Record{}
	}
}

type DeleteData struct {
	Deleted int      `json:"deleted"`
	Failed  int      `json:"failed,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

type ProfileData struct {
	Static  []Record `json:"static"`
	Dynamic []Record `json:"dynamic"`
}

func (d *ProfileData) normalize() {
	if d.Static == nil {
		d.Static = []Record{}
	}
	if d.Dynamic == nil {
		d.Dynamic = []Record{}
	}
}
