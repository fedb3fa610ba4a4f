package migration

import (
	batchdomain "github.com/smallbiznis/roundup/internal/batch/domain"
	"github.com/smallbiznis/roundup/internal/config"
	donordomain "github.com/smallbiznis/roundup/internal/donorpayout/domain"
	orgdomain "github.com/smallbiznis/roundup/internal/organization/domain"
	orgpayoutdomain "github.com/smallbiznis/roundup/internal/orgpayout/domain"
	paymentdomain "github.com/smallbiznis/roundup/internal/payment/domain"
	prefdomain "github.com/smallbiznis/roundup/internal/preference/domain"
	referraldomain "github.com/smallbiznis/roundup/internal/referral/domain"
	roundupdomain "github.com/smallbiznis/roundup/internal/roundup/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// Non-postgres deployments (sqlite dev databases in particular) use
		// the model definitions directly.
		return conn.AutoMigrate(
			&orgdomain.Organization{},
			&prefdomain.RoundupPreference{},
			&roundupdomain.RoundupTransaction{},
			&batchdomain.CollectionBatch{},
			&donordomain.DonorPayout{},
			&orgpayoutdomain.OrganizationPayout{},
			&orgpayoutdomain.PayoutAllocation{},
			&referraldomain.OrganizationReferral{},
			&referraldomain.ReferralCommission{},
			&paymentdomain.EventRecord{},
		)
	}),
)
