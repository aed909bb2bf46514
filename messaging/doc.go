// Package messaging routes inbound messages to a single registered handler and
// decides how each message is settled on its transport.
//
// A HandlerRegistry holds entries in registration order plus an optional
// fallback. For each message the registry evaluates an entry's context filter,
// then decodes the body through a serialization.BodyResolver, then applies the
// body filter; the first entry passing all three wins. The fallback only runs
// when nothing else matched.
//
// Example usage:
//
//	registry := messaging.NewHandlerRegistry()
//	_ = registry.Register(messaging.NewHandlerEntry(
//		func(ctx context.Context, order OrderPlaced, mc contracts.MessageContext, corr contracts.CorrelationInfo) error {
//			return ship(ctx, order)
//		},
//		messaging.WithProperty("type", "OrderPlaced"),
//	))
//
//	router := messaging.NewMessageRouter(registry)
//	result := router.Route(ctx, body, mc, corr)
//	decision := messaging.NewDispositionResolver(5).Resolve(result, mc.DeliveryCount, true)
//
// Handlers that settle messages themselves call Complete, Abandon or DeadLetter
// with the context they were invoked with. That request overrides whatever the
// handler returns.
package messaging
