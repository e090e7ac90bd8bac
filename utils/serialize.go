package utils

import "encoding/json"

// Serialize and Unserialize fix the ledger's value encoding in one
// place; records written by one binary stay readable by the next.
func Serialize(o any) ([]byte, error) {
	return json.Marshal(o)
}

func Unserialize(b []byte, o any) error {
	return json.Unmarshal(b, o)
}
