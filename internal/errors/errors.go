package errors

import "errors"

var (
	ErrMissingConfig      = errors.New("missing required configuration")
	ErrInvalidThreshold   = errors.New("threshold exceeds available signing keys")
	ErrRootRoleExists     = errors.New("root role file already exists")
	ErrStackCreateFailed  = errors.New("stack entered a terminal failure state")
	ErrStackOutputMissing = errors.New("stack returned fewer outputs than expected")
	ErrKeyVariant         = errors.New("signing key config must set exactly one backend")
	ErrKeyNotUsable       = errors.New("KMS key is not usable for signing")
)
