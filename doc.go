// Package mjit implements a method-level JIT compiler for a stack-based
// bytecode virtual machine.
//
// This package contains:
//   - the bytecode body contract (Body, Instruction, Opcode) that the host
//     interpreter hands to the engine
//   - the translator (Translate) that turns a body into C source
//   - the unit store and priority queue (Unit, queue)
//   - the background worker and PCH lifecycle, run as Engine's own goroutine
//   - the engine façade (Engine) that the host initializes once per process
//
// The engine never owns the bytecode it compiles; the host interpreter's own
// garbage collector does. See internal/ccproc for the filesystem and process
// surface that drives the external C compiler and loads its output.
package mjit
