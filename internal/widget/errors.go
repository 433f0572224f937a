package widget

import "errors"

var (
	ErrNotFound         = errors.New("widget not found")
	ErrInactive         = errors.New("widget is inactive")
	ErrDomainNotAllowed = errors.New("origin not allowed for widget")
)
