// Package ops holds operator metadata shared by graph construction and kernels:
// attribute structs, padding modes and shape inference.
//
// Graph nodes carry an Attributes value; kernels read it when they are
// lowered. Neither side depends on the other.
package ops
