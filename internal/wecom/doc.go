// Package wecom talks to the platform's outbound HTTP APIs: access token
// issuance, application message send, and temporary media download.
//
// TokenCache owns the access token. Callers never hold a token across
// requests; they ask the cache each time and the cache refreshes at most
// once at a time.
package wecom
