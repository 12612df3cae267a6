// Package entitycache implements the entity cache (spec §4.3): a request
// queue drained by a batching goroutine that calls BatchGetJobEntity,
// memoizing results per EntityRef until the Cache is stopped.
package entitycache
