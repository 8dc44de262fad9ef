package webhook

import (
	"github.com/hookline/hookline/internal/webhook/repository"
	"github.com/hookline/hookline/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewDispatcher),
	fx.Provide(service.New),
)
