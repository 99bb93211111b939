// Package shutdown stops the daemon's components in dependency order.
//
// Handlers are registered under a Phase. Phases run in ascending order
// and the handlers inside one phase run concurrently:
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Timeout: 15 * time.Second, Logger: logger})
//	coord.Register("http", shutdown.PhaseFrontend, shutdown.Func(srv.Shutdown))
//	coord.Register("scheduler", shutdown.PhaseTimers, shutdown.Closer(sched))
//	coord.Register("store", shutdown.PhaseBackend, shutdown.Closer(store))
//	coord.HandleSignals()
//	<-coord.Done()
//
// Stopping the frontend first means no new reservation or submission is
// admitted while timers and storage go away. Reservations that are still
// pending are persisted and re-armed on the next start.
package shutdown
