package apikey

import (
	"github.com/hookline/hookline/internal/apikey/repository"
	"github.com/hookline/hookline/internal/apikey/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
