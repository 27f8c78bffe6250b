// Package hw defines the console primitives consumed by the link stack:
// serial I/O registers, the scanline counter and interrupt routing.
//
// Everything above this package talks to the hardware only through Port
// and InterruptController, so the same protocol code runs against a real
// console bridge or the simulator in package sim.
package hw
