package apierror

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToJSON(t *testing.T) {
	assert.JSONEq(t, `{"status":401,"message":"Invalid signature"}`, string(Unauthorized("Invalid signature").ToJSON()))
	assert.JSONEq(t, `{"status":405,"message":"Method Not Allowed"}`, string(MethodNotAllowed("").ToJSON()))
}

func TestNewDefaultsMessage(t *testing.T) {
	err := New(http.StatusTeapot, "")
	assert.Equal(t, "I'm a teapot", err.Error())
}
