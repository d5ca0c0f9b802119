// Package redis opens the Redis connections shared by the distributed rate
// limiter and the Redis event bus.
package redis
