// Package testutil provides testing utilities and fixtures for the tokensync
// packages. It includes a deterministic clock, credential and ID-token
// generators, and a recording token endpoint for exchange tests.
package testutil
