/*
Package inference wraps the local AI inference service in a resilient façade.

Every call goes through the circuit breaker first and the retry policy second,
with a timeout on each attempt. Reads are served from a TTL cache when fresh.
When a call fails the façade:

  - logs the failure (circuit-open rejections at debug level)
  - returns a degraded value: the last known result, an empty list, an offline
    placeholder completion, an offline status or false
  - queues one High priority background retry per cache key

The façade never returns an error to its caller.
*/
package inference
