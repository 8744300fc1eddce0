package actors

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip06"
	"github.com/sasha-s/go-deadlock"
	"satchel/engine/library"
)

// Identity is the keypair the transport speaks as. Account is the 32 byte
// x-only transport public key; ChainKey is the 33 byte compressed public key
// used by the chain side of the wallet. Identities are replaced wholesale,
// never mutated in place.
type Identity struct {
	PrivateKey string          `json:"privateKey"`
	SeedWords  string          `json:"seedWords,omitempty"`
	Account    library.Account `json:"account"`
	ChainKey   string          `json:"chainKey"`
	Name       string          `json:"name,omitempty"`
}

// NewIdentity derives an Identity from a hex encoded private key and an
// optional chosen name.
func NewIdentity(privateKey, name string) (Identity, error) {
	keyBytes, err := hex.DecodeString(privateKey)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return Identity{}, fmt.Errorf("private key must be 32 bytes, got %d", len(keyBytes))
	}
	account, err := nostr.GetPublicKey(privateKey)
	if err != nil {
		return Identity{}, err
	}
	_, pub := btcec.PrivKeyFromBytes(keyBytes)
	return Identity{
		PrivateKey: privateKey,
		Account:    account,
		ChainKey:   hex.EncodeToString(pub.SerializeCompressed()),
		Name:       name,
	}, nil
}

var currentIdentity Identity
var currentIdentityMutex = &deadlock.Mutex{}

// MyIdentity returns the current Identity or creates a new one if there isn't one already
func MyIdentity() Identity {
	currentIdentityMutex.Lock()
	defer currentIdentityMutex.Unlock()
	if len(currentIdentity.PrivateKey) == 0 {
		//try to restore identity from disk
		if id, ok := getIdentityFromDisk(); ok {
			currentIdentity = id
		} else {
			library.LogCLI("Generating a new identity, write down the seed words if you want to keep it", 4)
			currentIdentity = makeNewIdentity()
			fmt.Printf("\n\n~NEW IDENTITY~\nAccount: %s\nChain Key: %s\nSeed Words: %s\n\n",
				currentIdentity.Account, currentIdentity.ChainKey, currentIdentity.SeedWords)
		}
		if err := persistCurrentIdentity(); err != nil {
			library.LogCLI(err.Error(), 0)
		}
	}
	return currentIdentity
}

// ReplaceIdentity swaps the active identity. The caller owns the
// make-before-break of relay connections; this only flips the keys.
func ReplaceIdentity(id Identity) {
	currentIdentityMutex.Lock()
	defer currentIdentityMutex.Unlock()
	currentIdentity = id
	if err := persistCurrentIdentity(); err != nil {
		library.LogCLI(err.Error(), 2)
	}
}

func makeNewIdentity() Identity {
	seedWords, err := nip06.GenerateSeedWords()
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	seed := nip06.SeedFromWords(seedWords)
	sk, err := nip06.PrivateKeyFromSeed(seed)
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	id, err := NewIdentity(sk, "")
	if err != nil {
		library.LogCLI(err.Error(), 0)
	}
	id.SeedWords = seedWords
	return id
}

func persistCurrentIdentity() error {
	file, err := os.Create(MakeOrGetConfig().GetString("rootDir") + "identity.dat")
	if err != nil {
		return err
	}
	defer file.Close()
	bytes, err := json.Marshal(currentIdentity)
	if err != nil {
		return err
	}
	_, err = file.Write(bytes)
	return err
}

func getIdentityFromDisk() (id Identity, ok bool) {
	file, err := os.ReadFile(MakeOrGetConfig().GetString("rootDir") + "identity.dat")
	if err != nil {
		return Identity{}, false
	}
	err = json.Unmarshal(file, &id)
	if err != nil {
		library.LogCLI(fmt.Sprintf("Error parsing identity file: %s", err.Error()), 3)
		return Identity{}, false
	}
	return id, len(id.PrivateKey) == 64
}
