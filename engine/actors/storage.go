package actors

import (
	"os"

	"satchel/engine/library"
)

// Storage is the minimal key-value adapter the transport needs from the host
// wallet. The only thing we persist through it is the subscription
// checkpoint.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// FlatFileStorage keeps each key in its own file under
// rootDir/flatFileDir, named by the hash of the key.
type FlatFileStorage struct{}

func (FlatFileStorage) Get(key string) (string, bool) {
	b, err := os.ReadFile(storagePath(key))
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (FlatFileStorage) Set(key, value string) error {
	if err := os.MkdirAll(storageDir(), 0755); err != nil {
		return err
	}
	return os.WriteFile(storagePath(key), []byte(value), 0644)
}

func storageDir() string {
	dir := MakeOrGetConfig().GetString("rootDir")
	return dir + MakeOrGetConfig().GetString("flatFileDir")
}

func storagePath(key string) string {
	return storageDir() + library.Sha256Sum(key) + ".dat"
}
