package ftp

import "errors"

var (
	ErrNotLoggedIn     = errors.New("ftp: not logged in")
	ErrPermission      = errors.New("ftp: insufficient permission")
	ErrSequence        = errors.New("ftp: command out of sequence")
	ErrSyntax          = errors.New("ftp: syntax error")
	ErrUnknownCommand  = errors.New("ftp: unknown command")
	ErrNoFreeSlot      = errors.New("ftp: no free PI slot")
	ErrDTPBusy         = errors.New("ftp: DTP already has an active command")
	ErrDTPQueueTimeout = errors.New("ftp: DTP queue operation timed out")
	ErrNotADirectory   = errors.New("ftp: not a directory")
)
