// Package quickstart builds block graphs for guided setups and applies them
// through the mirror registry.
package quickstart
