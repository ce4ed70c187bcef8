package orchestrator

import "errors"

// Client input errors. Handlers map them to 400.
var (
	ErrNoImageSource = errors.New("provide image_base64 or image_url")
	ErrEmptyUpload   = errors.New("uploaded file is empty")
)
