package storage

// Unit names one object space of the store. Every unit has its own key prefix:
//
//	blk:<hash>          → Block
//	tx:<hash>           → Transaction
//	rcp:<hash>          → Receipt
//	txr:<tx hash>       → receipt hash
//	idx:<8-byte height> → block hash at height
//	set:<name>          → node settings (tip, genesis, max height)
//	acc:<address>       → account state
type Unit uint8

const (
	UnitBlock Unit = iota + 1
	UnitTransaction
	UnitReceipt
	UnitTransactionReceipt
	UnitBlockIndex
	UnitSettings
	UnitAccount
)

var unitPrefixes = map[Unit]string{
	UnitBlock:              "blk:",
	UnitTransaction:        "tx:",
	UnitReceipt:            "rcp:",
	UnitTransactionReceipt: "txr:",
	UnitBlockIndex:         "idx:",
	UnitSettings:           "set:",
	UnitAccount:            "acc:",
}

func (u Unit) String() string {
	if p, ok := unitPrefixes[u]; ok {
		return p[:len(p)-1]
	}
	return "unknown"
}

func unitKey(u Unit, key []byte) []byte {
	p, ok := unitPrefixes[u]
	if !ok {
		panic("storage: unknown unit")
	}
	out := make([]byte, 0, len(p)+len(key))
	out = append(out, p...)
	return append(out, key...)
}

func unitPrefix(u Unit) []byte { return unitKey(u, nil) }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
