// Package util holds small helpers shared by the tokensync packages.
package util
