// Package vdbe defines the register-machine instruction set the code
// generator targets and the Program container that collects emitted
// instructions.
//
// Registers are numbered from 1; register 0 means "none". Cursors are
// numbered from 0. Jump targets are addresses; while code is being
// emitted a forward jump may name a label instead (a negative number
// handed out by MakeLabel) which Finalize replaces with its address.
package vdbe
