package storage

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesCredentials(t *testing.T) {
	s, err := New("minio.internal:9000", "access", "secret", "messages", false, false)
	require.NoError(t, err)
	assert.Equal(t, "messages", s.BucketName)

	_, err = New("://bad endpoint", "access", "secret", "messages", false, false)
	assert.Error(t, err)
}

func TestObjectID(t *testing.T) {
	s, err := New("minio.internal:9000", "access", "secret", "messages", false, false)
	require.NoError(t, err)

	id := s.ObjectID("user/42/body", "d41d8cd98f00b204e9800998ecf8427e")
	assert.Equal(t, "messages/user/42/body@d41d8cd98f00b204e9800998ecf8427e", id)

	// Distinct etags give distinct ids so a rewritten object rescans.
	assert.NotEqual(t, id, s.ObjectID("user/42/body", "other-etag"))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{StatusCode: http.StatusNotFound}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}))
	assert.False(t, isNotFound(errors.New("connection reset")))
	assert.False(t, isNotFound(nil))
}
