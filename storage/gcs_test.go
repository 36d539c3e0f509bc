// storage/gcs_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestLostPutRace(t *testing.T) {
	// A conditional upload beaten by a concurrent writer comes back as a
	// precondition failure; since objects are write-once and keyed by
	// content, that's a success, not an error.
	assert.True(t, lostPutRace(&googleapi.Error{Code: http.StatusPreconditionFailed}))
	assert.True(t, lostPutRace(fmt.Errorf("upload blocks/aa/aa01: %w",
		&googleapi.Error{Code: http.StatusPreconditionFailed})))

	assert.False(t, lostPutRace(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, lostPutRace(errors.New("connection reset")))
	assert.False(t, lostPutRace(nil))
}
