package roundup

import (
	"github.com/smallbiznis/roundup/internal/roundup/service"
	"go.uber.org/fx"
)

var Module = fx.Module("roundup.service",
	fx.Provide(service.NewService),
)
