package storage

// Key schema:
//
//	state       → RootState (versioned JSON)
//	own-orders  → OwnOrderBook (JSON)
//	meta:<name> → free-form metadata
const (
	keyState     = "state"
	keyOwnOrders = "own-orders"
	prefixMeta   = "meta:"
)

func stateKey() []byte     { return []byte(keyState) }
func ownOrdersKey() []byte { return []byte(keyOwnOrders) }

// metaKey returns the key for a metadata entry
// Format: "meta:{name}"
func metaKey(name string) []byte {
	return []byte(prefixMeta + name)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
