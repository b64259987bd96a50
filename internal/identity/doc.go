// Package identity resolves the caller identity forwarded to backend
// services from a JWT bearer token or an API key header.
package identity
