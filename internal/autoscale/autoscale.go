// Package autoscale maps queue depth to a worker replica count for an external autoscaler.
package autoscale

// Replicas returns ceil(depth/perReplica) capped at max, and zero for an empty
// queue. The result never decreases as depth grows.
func Replicas(depth int64, perReplica, max int) int {
	if depth <= 0 || max <= 0 {
		return 0
	}
	if perReplica <= 0 {
		perReplica = 1
	}
	n := (depth + int64(perReplica) - 1) / int64(perReplica)
	if n > int64(max) {
		return max
	}
	return int(n)
}
