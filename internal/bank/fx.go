package bank

import "go.uber.org/fx"

// Module wires the fake feed as the default bank-link collaborator. A real
// aggregator integration replaces this provider at composition time.
var Module = fx.Module("bank",
	fx.Provide(func() Feed { return NewFakeFeed() }),
)
