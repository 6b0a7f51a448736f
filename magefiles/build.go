//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Tidy runs go mod tidy against the module.
func (Build) Tidy() error {
	return goModTidy()
}

// Bench builds the meshrepo-bench CLI binary.
func (Build) Bench() error {
	_, err := executeCmd("go", withArgs("build", "-o", "bin/meshrepo-bench", "./cmd/meshrepo-bench"), withStream())
	return err
}
