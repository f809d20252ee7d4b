// Package cache provides a byte-capacity LRU for whole blobs.
//
// The cache fronts slow (remote) blob stores. Entries are immutable byte
// slices keyed by blob key; the total size of retained values never
// exceeds the configured capacity, and values larger than the capacity
// are never admitted.
package cache
