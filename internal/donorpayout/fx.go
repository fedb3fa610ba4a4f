package donorpayout

import (
	payoutdomain "github.com/smallbiznis/roundup/internal/donorpayout/domain"
	"github.com/smallbiznis/roundup/internal/donorpayout/service"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("donorpayout.service",
	fx.Provide(
		service.NewService,
		func(svc payoutdomain.Service) paymentdomain.ChargeApplier { return svc },
	),
)
