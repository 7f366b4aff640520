// Package governance coordinates the runtime safety controls of the gateway:
// per-source admission control (fixed-window budget with graduated delay and a hard
// ceiling), bounded retries and deadlines for domain store reads, and a circuit
// breaker that fails decisions fast while the store is down.
//
// Admission state is owned exclusively by the AdmissionController; the decision
// engine never sees it. Counters live in memory for single-instance deployments or
// in Redis when several gateway replicas must share one budget.
package governance
