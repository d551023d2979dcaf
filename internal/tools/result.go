package tools

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`          // content sent to the LLM
	IsError bool   `json:"is_error"`         // marks error
	Cached  bool   `json:"cached,omitempty"` // served from the per-turn cache
	Err     error  `json:"-"`                // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// cachedCopy returns a shallow copy flagged as cache-served so the original
// stays pristine for later hits.
func (r *Result) cachedCopy() *Result {
	copied := *r
	copied.Cached = true
	return &copied
}
