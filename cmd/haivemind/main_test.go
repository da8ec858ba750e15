package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeClassification(t *testing.T) {
	storageErr := fatal(exitStorage, fmt.Errorf("storage: %w", errors.New("connection refused")))
	assert.Equal(t, exitStorage, exitCode(storageErr))

	// Classification survives further wrapping.
	assert.Equal(t, exitPeering, exitCode(fmt.Errorf("startup: %w", fatal(exitPeering, errors.New("no peers reachable")))))

	assert.Equal(t, exitConfig, exitCode(fatal(exitConfig, errors.New("HAIVEMIND_MACHINE_ID is required"))))

	// Unclassified failures fall back to the config code.
	assert.Equal(t, exitConfig, exitCode(errors.New("something else")))

	// The cause stays reachable for logging.
	assert.Contains(t, storageErr.Error(), "connection refused")
}
