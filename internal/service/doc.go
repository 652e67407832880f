// Package service contains the session services: login, timeout, heartbeat,
// cross-context sync and the route guards.
package service
