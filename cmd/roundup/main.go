package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/roundup/internal/bank"
	"github.com/smallbiznis/roundup/internal/batch"
	"github.com/smallbiznis/roundup/internal/clock"
	"github.com/smallbiznis/roundup/internal/config"
	"github.com/smallbiznis/roundup/internal/donorpayout"
	"github.com/smallbiznis/roundup/internal/lock"
	"github.com/smallbiznis/roundup/internal/logger"
	"github.com/smallbiznis/roundup/internal/migration"
	"github.com/smallbiznis/roundup/internal/notify"
	"github.com/smallbiznis/roundup/internal/observability"
	"github.com/smallbiznis/roundup/internal/organization"
	"github.com/smallbiznis/roundup/internal/orgpayout"
	"github.com/smallbiznis/roundup/internal/payment"
	"github.com/smallbiznis/roundup/internal/preference"
	"github.com/smallbiznis/roundup/internal/referral"
	"github.com/smallbiznis/roundup/internal/roundup"
	"github.com/smallbiznis/roundup/internal/scheduler"
	"github.com/smallbiznis/roundup/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		notify.Module,
		bank.Module,

		// Functional domains
		organization.Module,
		preference.Module,
		roundup.Module,
		payment.Module,
		batch.Module,
		donorpayout.Module,
		orgpayout.Module,
		referral.Module,

		scheduler.Module,
		migration.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
