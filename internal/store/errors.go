package store

import "errors"

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateKey    = errors.New("already exists")
	ErrAlreadyTerminal = errors.New("record already in a terminal state")
	ErrStaleWrite      = errors.New("conditional update did not match")
)
