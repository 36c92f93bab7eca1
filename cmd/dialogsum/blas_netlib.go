//go:build netlib

package main

// #cgo LDFLAGS: -lopenblas
import "C"
import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Building with `-tags netlib` routes gonum's BLAS calls through OpenBLAS.
func init() {
	blas64.Use(netlib.Implementation{})
}
