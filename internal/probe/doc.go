// Package probe checks whether a connection client's execution surface is
// alive before its semantic state is trusted. A client can report a state
// value after its surface has been torn down, so liveness is proven first.
package probe
