package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type extraction struct {
	Screens []struct {
		Name string `json:"name"`
	} `json:"screens"`
}

func TestDecodeVerbatim(t *testing.T) {
	var out extraction
	err := Decode(`{"screens":[{"name":"Login"}]}`, &out)
	require.NoError(t, err)
	require.Len(t, out.Screens, 1)
	assert.Equal(t, "Login", out.Screens[0].Name)
}

func TestDecodeFencedBlock(t *testing.T) {
	raw := "Here is the extraction:\n```json\n{\"screens\":[{\"name\":\"Dashboard\"}]}\n```\nLet me know if you need anything else."
	var out extraction
	err := Decode(raw, &out)
	require.NoError(t, err)
	require.Len(t, out.Screens, 1)
	assert.Equal(t, "Dashboard", out.Screens[0].Name)
}

func TestDecodeEmbeddedObject(t *testing.T) {
	raw := `Sure! The result is {"screens":[{"name":"Settings {advanced}"}]} as requested.`
	var out extraction
	err := Decode(raw, &out)
	require.NoError(t, err)
	require.Len(t, out.Screens, 1)
	assert.Equal(t, "Settings {advanced}", out.Screens[0].Name)
}

func TestDecodeRepairsTrailingComma(t *testing.T) {
	raw := `{"screens":[{"name":"Billing"},]}`
	var out extraction
	err := Decode(raw, &out)
	require.NoError(t, err)
	require.Len(t, out.Screens, 1)
	assert.Equal(t, "Billing", out.Screens[0].Name)
}

func TestDecodeUnterminatedObject(t *testing.T) {
	raw := `{"screens":[{"name":"Reports"}`
	var out extraction
	err := Decode(raw, &out)
	require.NoError(t, err)
	require.Len(t, out.Screens, 1)
	assert.Equal(t, "Reports", out.Screens[0].Name)
}

func TestDecodeNoJSON(t *testing.T) {
	var out extraction
	err := Decode("I could not find any screens in this content.", &out)
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestDecodeArray(t *testing.T) {
	var out []string
	err := Decode("The ids are:\n[\"screen-1\", \"screen-2\"]", &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"screen-1", "screen-2"}, out)
}

func TestValidate(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"required": ["screens"],
		"properties": {
			"screens": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name"],
					"properties": {"name": {"type": "string"}}
				}
			}
		}
	}`)

	var out extraction
	err := DecodeValidated(`{"screens":[{"name":"Login"}]}`, schema, &out)
	require.NoError(t, err)

	err = DecodeValidated(`{"screens":[{"title":"Login"}]}`, schema, &out)
	assert.Error(t, err)
}
