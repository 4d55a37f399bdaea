//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"perpguard/internal/config"

	"github.com/google/wire"
)

func buildAppWithWire(ctx context.Context, cfg *config.Config) (*App, error) {
	wire.Build(appSet)
	return nil, nil
}
