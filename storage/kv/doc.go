// Package kv provides an interface for implementing
// kv drivers that can be used to build more complex storage
// interfaces.
//
// A kv plugin is a factory for root store instances. A root store
// contains zero or more named dictionaries. A dictionary is a sorted
// map from binary keys to binary values with a cursor that can move
// forward or backward. Each dictionary carries an Encoding that says
// whether it backs a record store or an index and, for indexes, the
// ordering of the key fields.
//
//  - Root Store
//    - orders$$p0      (record store)
//    - orders$$p1      (record store)
//    - orders.$pk$$p0  (index)
//    - orders.$pk$$p1  (index)
//    - orders$$meta    (partition metadata)
//
// All dictionaries in a root store share one transaction scope.
// A transaction sees its own writes immediately and its writes are not
// durable until it commits. Work that must only happen once a transaction
// is durable, such as physically removing a dictionary that the transaction
// unlinked, is registered with OnCommit. Work that must undo in-memory state
// when a transaction aborts is registered with OnRollback.
package kv
