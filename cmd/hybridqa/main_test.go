package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexHelpWarnsAboutLockedIndex(t *testing.T) {
	cmd := indexCmd()
	assert.Contains(t, cmd.Long, "locked")
	assert.Contains(t, cmd.Long, "hybridqa serve")
}
