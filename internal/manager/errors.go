package manager

import "errors"

var (
	ErrInCooldown         = errors.New("symbol in cooldown")
	ErrSizeTooSmall       = errors.New("position size below minimum")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrPositionExists     = errors.New("position already exists")
	ErrFrozen             = errors.New("symbol frozen")
	ErrSideDisabled       = errors.New("side disabled")
	ErrNoSignal           = errors.New("no entry signal")
	ErrNoATR              = errors.New("atr unavailable")
)
