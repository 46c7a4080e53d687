// Package logging constructs the single zap logger instance each component
// is handed at construction time (design note: no singletons).
package logging

import "go.uber.org/zap"

// New builds a production or development zap logger depending on dev.
// Callers pass the returned *zap.Logger down to constructors explicitly;
// nothing in this module stores it globally.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Nop returns a logger that discards everything, used in tests.
func Nop() *zap.Logger { return zap.NewNop() }
