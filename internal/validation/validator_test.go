package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,min=3,max=8"`
	Password string `json:"password" validate:"required"`
	Mode     string `json:"mode" validate:"omitempty,oneof=console json"`
	Limit    int    `json:"limit" validate:"max=500"`
}

func TestValidate(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.Validate(loginRequest{Username: "admin", Password: "x"}))
	assert.NoError(t, v.Validate(&loginRequest{Username: "admin", Password: "x", Mode: "json"}))

	err := v.Validate(loginRequest{Password: "x"})
	assert.EqualError(t, err, "username: field is required")

	err = v.Validate(loginRequest{Username: "ab", Password: "x"})
	assert.EqualError(t, err, "username: must be at least 3")

	err = v.Validate(loginRequest{Username: "administrator", Password: "x"})
	assert.EqualError(t, err, "username: must be at most 8")

	err = v.Validate(loginRequest{Username: "admin", Password: "x", Mode: "xml"})
	assert.EqualError(t, err, "mode: must be one of [console json]")

	err = v.Validate(loginRequest{Username: "admin", Password: "x", Limit: 501})
	assert.EqualError(t, err, "limit: must be at most 500")

	assert.Error(t, v.Validate("not a struct"))
}
