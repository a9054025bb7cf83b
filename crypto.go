package main

import (
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// decryptInput wraps src so it yields the plaintext of an age-encrypted
// stream, using the identities in identityFile.
func decryptInput(src io.Reader, identityFile string) (io.Reader, error) {
	file, err := os.Open(identityFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	identities, err := age.ParseIdentities(file)
	if err != nil {
		return nil, fmt.Errorf("error parsing identities: %w", err)
	}
	decrypt, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, fmt.Errorf("error decrypting input: %w", err)
	}
	return decrypt, nil
}
