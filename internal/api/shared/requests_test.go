package shared

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decodeTarget struct {
	Name  string `json:"name"  validate:"required"`
	Count int    `json:"count" validate:"gte=0"`
}

type selfValidating struct {
	err error
}

func (s selfValidating) Validate() error { return s.err }

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	t.Run("decodes valid body", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":"mail","count":2}`))
		var target decodeTarget
		require.NoError(t, DecodeJSON(req, &target))
		assert.Equal(t, "mail", target.Name)
		assert.Equal(t, 2, target.Count)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{broken`))
		var target decodeTarget
		assert.Error(t, DecodeJSON(req, &target))
	})
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	t.Run("struct tags", func(t *testing.T) {
		t.Parallel()

		assert.NoError(t, ValidateRequest(decodeTarget{Name: "mail"}))
		assert.Error(t, ValidateRequest(decodeTarget{}), "missing required field")
	})

	t.Run("prefers the object's own Validate method", func(t *testing.T) {
		t.Parallel()

		sentinel := errors.New("self validation failed")
		assert.ErrorIs(t, ValidateRequest(selfValidating{err: sentinel}), sentinel)
		assert.NoError(t, ValidateRequest(selfValidating{}))
	})
}
