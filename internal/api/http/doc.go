/*
Package http serves the host's REST surface with gin.

Every AI route goes through the resilient façade, so handlers answer with a
usable body even when the inference service is down: an empty model list, an
offline completion, or success=false for a pull that will be retried later.
Components that have not been wired answer 503.
*/
package http
