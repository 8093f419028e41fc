/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package adaptivelimit provides a sliding-window admission gate whose ceiling is continuously adjusted
// by an exponential moving average (EMA) of observed backend latencies.
//
// The Limiter admits at most EffectiveRate requests within any trailing window (60 seconds by default).
// Every latency sample updates the EMA, and the effective rate is then adjusted:
//   - EMA above DegradationThreshold: the rate is multiplied by 0.75 (floored, never below MinRate);
//   - EMA below RecoveryThreshold: the rate is multiplied by 1.1 and incremented by 1 (never above BaseRate);
//   - otherwise (dead zone) the rate is left unchanged.
//
// Admit blocks without holding the internal lock and re-checks the window after every wake-up,
// so concurrently waiting callers never overrun the effective rate. There is no FIFO guarantee among waiters.
package adaptivelimit
