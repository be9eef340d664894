// Package nn holds the dense numeric building blocks of the MixProp model:
// parameters, affine layers, activations, dropout and layer stacks. All
// tensors are gonum *mat.Dense values laid out with one batch row per matrix
// row. Forward passes never mutate parameters, so a single network may be
// evaluated from many goroutines at once as long as each call brings its own
// ForwardContext.
package nn
