package app

import (
	"context"

	"perpguard/internal/config"

	"github.com/google/wire"
)

var appSet = wire.NewSet(provideAppBuilder, provideAppFromBuilder)

func provideAppFromBuilder(ctx context.Context, b *AppBuilder) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *config.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}
