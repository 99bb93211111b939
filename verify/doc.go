// Package verify confirms submitted tasks against the canvas authority
// and settles them.
//
// Coordinator.Verify checks that the caller holds the reservation,
// waits for the shared cooldown gate, asks the authority for the pixel
// and, when the color matches, completes the task (which pays the
// reserver). Rate-limit rejections and transient canvas failures are
// retried inside a bounded loop. Between attempts the reservation is
// re-checked, so a caller whose reservation lapsed while waiting is
// rejected without another authority call.
package verify
