//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"SwingSentinel/internal/app"
	"SwingSentinel/internal/config"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// The returned cleanup releases them in reverse order.
func InitializeApp(ctx context.Context, cfg *config.Config) (*app.App, func(), error) {
	wire.Build(ProviderSet)
	return nil, nil, nil
}
