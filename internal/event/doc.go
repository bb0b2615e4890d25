// Package event provides the pub-sub bus the coordinator publishes its
// progress on.
//
// Subscribers include the Prometheus collectors in package metrics and the
// live watch view. Handlers run synchronously on the publishing goroutine,
// so they must be quick; a panicking handler is recovered and logged.
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeSwapApplied, func(e event.Event) {
//	    s := e.(event.SwapEvent)
//	    fmt.Printf("swapped %v <-> %v\n", s.ParamI, s.ParamJ)
//	})
//
// Event types follow "category.action": coordinator.initialized,
// poll.completed, swap.selected, swap.applied, swap.finalized,
// ladder.resubmitted, coordinator.terminal, coordinator.failed.
package event
