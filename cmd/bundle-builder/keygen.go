package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/maxdollinger/bundle.io/pkg/signature"
)

// Run executes the keygen command
func (c *KeygenCmd) Run() error {
	pub, priv, err := signature.Generate()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.Out, 0o755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	privPath := filepath.Join(c.Out, c.Name+".key")
	pubPath := filepath.Join(c.Out, c.Name+".pub")
	if _, err := os.Stat(privPath); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", privPath)
	}

	if err := signature.WriteKeypair(privPath, pubPath, priv, pub); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)

	return nil
}
