package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserID_UnmarshalJSON(t *testing.T) {
	var v struct {
		A UserID `json:"a"`
		B UserID `json:"b"`
		C UserID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":42,"b":"7","c":null}`), &v))
	assert.Equal(t, UserID(42), v.A)
	assert.Equal(t, UserID(7), v.B)
	assert.Zero(t, v.C)

	assert.Error(t, json.Unmarshal([]byte(`{"a":"pilot"}`), &v))
}

func TestUserID_MarshalsAsNumber(t *testing.T) {
	data, err := json.Marshal(struct {
		ID UserID `json:"id"`
	}{ID: 9})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9}`, string(data))
}

func TestParseUserID(t *testing.T) {
	id, err := ParseUserID("42")
	require.NoError(t, err)
	assert.Equal(t, "42", id.String())

	_, err = ParseUserID("-1")
	assert.Error(t, err)
}

func TestIdentity_Valid(t *testing.T) {
	assert.True(t, Identity{ID: 1, Token: "t"}.Valid())
	assert.False(t, Identity{ID: 1}.Valid())
	assert.False(t, Identity{Token: "t"}.Valid())
}
