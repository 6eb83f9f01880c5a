// Package connection tracks every live realtime connection. The registry
// is the single source of truth for which connections exist, which user
// and session each one is bound to, and when it last proved liveness.
package connection
