package base

import "bytes"

// Comparer defines a total order over user keys plus a human-readable
// name, stored in the manifest so that a database can refuse to reopen
// with an incompatible comparator.
type Comparer struct {
	Compare Compare
	Name    string
}

// DefaultComparer orders keys lexicographically by byte value.
var DefaultComparer = &Comparer{
	Compare: bytes.Compare,
	Name:    "partnerdb.BytewiseComparator",
}
