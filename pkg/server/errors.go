package server

import "errors"

var (
    ErrNotStarted = errors.New("server: not started")
    ErrStopped    = errors.New("server: stopped")
)
