// Package rpc provides the resilient client for the 511.org StopMonitoring
// API.
//
// A Client composes:
//   - a sliding-window rate limiter (budget/)
//   - jittered exponential retry with typed error classification (routing/)
//   - a pooled HTTP provider and health monitor (provider/)
//   - the StopMonitoring response parser (siri/)
//
// # Quick Start
//
//	client := rpc.NewClient(rpc.Config{
//	    Instance: "home",
//	    APIKey:   os.Getenv("MUNI_API_KEY"),
//	    Agency:   "SF",
//	})
//	defer client.Close()
//
//	lines, err := client.Arrivals(ctx, "13543")
package rpc
