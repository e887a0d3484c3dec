package compiler

import "github.com/ethereum/go-ethereum/metrics"

var (
	translatedCounter   = metrics.NewRegisteredCounter("jit/translate/ok", nil)
	unsupportedCounter  = metrics.NewRegisteredCounter("jit/bailout/unsupported", nil)
	malformedCounter    = metrics.NewRegisteredCounter("jit/bailout/malformed", nil)
	landingpadCounter   = metrics.NewRegisteredCounter("jit/landingpads", nil)
	elidedGuardCounter  = metrics.NewRegisteredCounter("jit/guards/elided", nil)
	translateTimer      = metrics.NewRegisteredTimer("jit/translate/time", nil)
	cacheHitMeter       = metrics.NewRegisteredMeter("jit/cache/hit", nil)
	cacheMissMeter      = metrics.NewRegisteredMeter("jit/cache/miss", nil)
	brokerDedupCounter  = metrics.NewRegisteredCounter("jit/broker/dedup", nil)
	brokerFailedCounter = metrics.NewRegisteredCounter("jit/broker/failed", nil)
)
