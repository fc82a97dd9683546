package logging

import (
	"go.uber.org/zap"
)

// New builds the service logger. Production gets JSON output with sampling;
// anything else gets the human-readable development config.
func New(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
