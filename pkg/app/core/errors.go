package core

import "errors"

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrUnknownOrder   = errors.New("unknown order")
	ErrSelfTrade      = errors.New("counterparty is the own account")
	ErrInvalidAccount = errors.New("invalid account name")
	ErrStateMismatch  = errors.New("persisted state belongs to another account")
)
