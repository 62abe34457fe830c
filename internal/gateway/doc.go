// Package gateway serves the platform callback endpoint.
//
// A callback moves through these states, each published on the event hub
// as lifecycle.<state>:
//
//	received → verified → decrypted → acknowledged → dispatched → replied | failed
//
// Requests that fail verification, decryption or parsing end in rejected and
// never reach the backend. Everything after acknowledged runs on the
// Executor, detached from the HTTP request, so the platform gets its
// "success" before the backend is called.
package gateway
