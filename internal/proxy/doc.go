// Package proxy rotates requests across a pool of upstream proxy endpoints.
// Endpoints that fail too often are evicted and replaced from a provisioning
// service.
package proxy
