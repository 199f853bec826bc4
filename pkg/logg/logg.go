package logg

// Structured log field keys shared by every layer.
const (
	Layer      = "layer"
	Operation  = "operation"
	Selector   = "selector"
	URL        = "url"
	Step       = "step"
	Variant    = "variant"
	Model      = "model"
	AttemptID  = "attempt_id"
	Key        = "key"
	Confidence = "confidence"
	Path       = "path"
)
