// Package peerid defines the peer identity and peer-table types shared by
// every other package in the module.
package peerid

import "fmt"

// ID is the stable integer identity of a peer within the fixed peer set
// supplied at start.
type ID uint32

// Address is the network location of a peer.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Table maps every peer id 0..n-1 (including self) to its network address.
// It is supplied at start and never mutated afterwards.
type Table map[ID]Address

// Others returns every id in the table except self, in ascending order.
func (t Table) Others(self ID) []ID {
	ids := make([]ID, 0, len(t))
	for id := range t {
		if id != self {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []ID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
