package orgpayout

import (
	payoutdomain "github.com/smallbiznis/roundup/internal/orgpayout/domain"
	"github.com/smallbiznis/roundup/internal/orgpayout/service"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("orgpayout.service",
	fx.Provide(
		service.NewService,
		func(svc payoutdomain.Service) paymentdomain.TransferApplier { return svc },
	),
)
