package library

// Account is a transport-level public key: 32 bytes, hex encoded. This is NOT
// the chain-level compressed public key (33 bytes, hex) used elsewhere in the
// wallet, and the two must never be conflated.
type Account = string

type Sha256 = string

// Profile is the subset of a kind 0 profile we care about.
type Profile struct {
	Name  string `json:"name"`
	Lud16 string `json:"lud16"`
}
