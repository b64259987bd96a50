// Package apierr defines the gateway's error taxonomy and renders it as a
// structured JSON response.
package apierr
