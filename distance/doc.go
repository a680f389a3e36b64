// Package distance provides the vector metrics used by vector indexes.
//
// Every metric is expressed as a distance where smaller means closer:
//
//   - Cosine:    1 - a·b / (‖a‖‖b‖)
//   - Euclidean: ‖a-b‖
//   - Dot:       -a·b
//
// Kernels come from github.com/viterin/vek, which uses AVX2 when available.
package distance
