package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		env, err := parseEnvelope(204, nil)
		require.NoError(t, err)
		assert.True(t, env.Success)
		assert.Empty(t, env.Data)
		assert.Equal(t, 204, env.Status)
	})

	t.Run("success with data", func(t *testing.T) {
		env, err := parseEnvelope(200, []byte(`{"success":true,"data":{"sessionId":"sess-1"},"message":"sent"}`))
		require.NoError(t, err)
		assert.True(t, env.Success)
		assert.JSONEq(t, `{"sessionId":"sess-1"}`, string(env.Data))
		assert.Equal(t, "sent", env.Message)
		assert.Equal(t, "sent", env.Text())
	})

	t.Run("business failure in 200", func(t *testing.T) {
		env, err := parseEnvelope(200, []byte(`{"success":false,"error":"OTP expired","errors":{"otp":["expired"]}}`))
		require.NoError(t, err)
		assert.False(t, env.Success)
		assert.Equal(t, "OTP expired", env.Error)
		assert.Equal(t, "OTP expired", env.Text())
		assert.Equal(t, []string{"expired"}, env.Errors["otp"])
	})

	t.Run("null data", func(t *testing.T) {
		env, err := parseEnvelope(200, []byte(`{"success":true,"data":null}`))
		require.NoError(t, err)
		assert.Empty(t, env.Data)
	})

	t.Run("bare object is data", func(t *testing.T) {
		env, err := parseEnvelope(200, []byte(`{"id":7,"name":"Shopper"}`))
		require.NoError(t, err)
		assert.True(t, env.Success)
		assert.JSONEq(t, `{"id":7,"name":"Shopper"}`, string(env.Data))
	})

	t.Run("bare array is data", func(t *testing.T) {
		env, err := parseEnvelope(200, []byte(`[1,2,3]`))
		require.NoError(t, err)
		assert.True(t, env.Success)
		assert.JSONEq(t, `[1,2,3]`, string(env.Data))
	})

	t.Run("not JSON", func(t *testing.T) {
		_, err := parseEnvelope(200, []byte(`<html>ok</html>`))
		require.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("success is not a boolean", func(t *testing.T) {
		_, err := parseEnvelope(200, []byte(`{"success":"yes"}`))
		require.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("raw keeps top-level fields", func(t *testing.T) {
		env, err := parseEnvelope(200, []byte(`{"success":true,"sessionId":"top"}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"success":true,"sessionId":"top"}`, string(env.Raw))
	})
}

func TestDecode(t *testing.T) {
	type user struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}

	raw, err := parseEnvelope(200, []byte(`{"success":true,"data":{"id":7,"name":"Shopper"},"message":"ok"}`))
	require.NoError(t, err)

	env, err := Decode[user](raw)
	require.NoError(t, err)
	assert.True(t, env.Success)
	assert.Equal(t, user{ID: 7, Name: "Shopper"}, env.Data)
	assert.Equal(t, "ok", env.Message)
	assert.Equal(t, 200, env.Status)

	empty, err := Decode[user](&Envelope[json.RawMessage]{Success: false, Message: "nope"})
	require.NoError(t, err)
	assert.Equal(t, user{}, empty.Data)
	assert.Equal(t, "nope", empty.Message)

	bad := &Envelope[json.RawMessage]{Success: true, Data: json.RawMessage(`"not an object"`), Status: 200}
	_, err = Decode[user](bad)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidResponse, apiErr.Code)
}
