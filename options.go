package detour

import "go.uber.org/zap"

type options struct {
	log    *zap.Logger
	freeze ThreadFreezeMethod
}

// Option configures New.
type Option func(*options)

// WithLogger logs hook lifecycle events to log at debug level.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithThreadFreezeMethod sets the initial freeze method.
func WithThreadFreezeMethod(m ThreadFreezeMethod) Option {
	return func(o *options) {
		o.freeze = m
	}
}
