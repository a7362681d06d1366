package queue

import "errors"

var (
	errEmptyURL      = errors.New("url is required")
	errMalformedURL  = errors.New("url must be absolute with scheme and host")
	errBadMethod     = errors.New("method must be one of GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS")
	errBadPriority   = errors.New("priority must be in [0,100]")
	errBadMaxRetries = errors.New("maxRetries must be non-negative")
	errBadTimeout    = errors.New("timeout must be non-negative")
)
