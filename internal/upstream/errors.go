package upstream

import "errors"

var (
	errEmptyID       = errors.New("upstream: id must not be empty")
	errEmptyEndpoint = errors.New("upstream: endpoint must not be empty")
	errBadWeight     = errors.New("upstream: weight must be > 0")
	errBadThreshold  = errors.New("upstream: failure/recovery thresholds must be > 0")
)
