package types

// Event is a typed record of a ledger state change. Attributes carry
// stringified fields so downstream consumers do not need the module types.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
