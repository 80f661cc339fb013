package transport

import "github.com/coreipc/qb/api"

var (
	errInvalid    = api.ErrInvalid
	errAuthFailed = api.ErrAuthFailed
)
