// Package security summarizes the protective settings of a configured
// engine. It reads plain values and never touches backends.
package security
