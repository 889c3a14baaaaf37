// Package server hosts the Fiber HTTP service, request middleware chain, and
// app registry glue that wires Host/port resolution into the offline proxy.
// The registry is built once at startup from config plus one lifecycle
// controller per app; routes under /-/ bypass host lookup so the control
// surface is reachable on any Host header.
package server
