package app

import "errors"

var errNotStarted = errors.New("supervisor not started")
