package batch

import (
	"github.com/smallbiznis/roundup/internal/batch/service"
	"go.uber.org/fx"
)

var Module = fx.Module("batch.service",
	fx.Provide(service.NewService),
)
