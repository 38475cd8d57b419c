package observability

// Severity of a reported message.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorContext tags a reported error with where in a load it happened.
type ErrorContext struct {
	Component string // "loader", "mysql", "clickhouse", "state"
	Operation string // "write_chunk", "prepare", "run_job"
	Job       string
	Table     string
	SourceID  string
	// Chunk is -1 when the error is not tied to a chunk.
	Chunk int
	Extra map[string]interface{}
}

// NewErrorContext returns a context that is not tied to a chunk.
func NewErrorContext(component, operation string) *ErrorContext {
	return &ErrorContext{
		Component: component,
		Operation: operation,
		Chunk:     -1,
		Extra:     make(map[string]interface{}),
	}
}

func (ec *ErrorContext) WithJob(job string) *ErrorContext {
	ec.Job = job
	return ec
}

func (ec *ErrorContext) WithTable(table string) *ErrorContext {
	ec.Table = table
	return ec
}

// WithChunk ties the error to one chunk of a source.
func (ec *ErrorContext) WithChunk(sourceID string, chunk int) *ErrorContext {
	ec.SourceID = sourceID
	ec.Chunk = chunk
	return ec
}

func (ec *ErrorContext) WithExtra(key string, value interface{}) *ErrorContext {
	if ec.Extra == nil {
		ec.Extra = make(map[string]interface{})
	}
	ec.Extra[key] = value
	return ec
}

// ToMap flattens the context, omitting unset fields.
func (ec *ErrorContext) ToMap() map[string]interface{} {
	result := make(map[string]interface{})

	if ec.Component != "" {
		result["component"] = ec.Component
	}
	if ec.Operation != "" {
		result["operation"] = ec.Operation
	}
	if ec.Job != "" {
		result["job"] = ec.Job
	}
	if ec.Table != "" {
		result["table"] = ec.Table
	}
	if ec.SourceID != "" {
		result["source_id"] = ec.SourceID
	}
	if ec.Chunk >= 0 {
		result["chunk"] = ec.Chunk
	}

	for k, v := range ec.Extra {
		result[k] = v
	}

	return result
}
