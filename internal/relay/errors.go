package relay

import "errors"

var (
	ErrConnectionClosed = errors.New("relay connection closed")
	ErrNotConnected     = errors.New("relay client not connected")
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")
)
