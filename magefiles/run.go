//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Bench runs the meshrepo-bench CLI in its default simulation mode.
func (Run) Bench() error {
	fmt.Println("Running meshrepo-bench...")
	_, err := executeCmd("go", withArgs("run", "./cmd/meshrepo-bench", "simulate"), withStream())
	return err
}

// Test runs the full test suite.
func (Run) Test() error {
	_, err := executeCmd("go", withArgs("test", "./..."), withStream())
	return err
}
