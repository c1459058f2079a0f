package llmjson

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirect(t *testing.T) {
	res, err := Extract(`{"titulo":"Dune","autor":"Frank Herbert"}`)
	require.NoError(t, err)

	assert.Equal(t, StageDirect, res.Stage)
	assert.False(t, res.Recovered())
	assert.Equal(t, map[string]any{"titulo": "Dune", "autor": "Frank Herbert"}, res.Value)
}

func TestParseTrimsWhitespace(t *testing.T) {
	value, err := Parse("\n\t  {\"titulo\":\"Dune\"}  \n")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"titulo": "Dune"}, value)
}

func TestParseRecoversFencedObject(t *testing.T) {
	raw := "Here is the JSON:\n```json\n{\"titulo\":\"Dune\",\"autor\":null}\n```"

	res, err := Extract(raw)
	require.NoError(t, err)

	assert.Equal(t, StageSalvage, res.Stage)
	assert.True(t, res.Recovered())
	obj := res.Value.(map[string]any)
	assert.Equal(t, "Dune", obj["titulo"])
	v, present := obj["autor"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestParseNoBracesSurfacesDirectError(t *testing.T) {
	_, err := Parse("not json at all")
	require.Error(t, err)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StageDirect, perr.Stage)
	assert.Equal(t, "not json at all", perr.Snippet)

	var syntaxErr *json.SyntaxError
	assert.True(t, errors.As(err, &syntaxErr), "strict decode error must be unwrappable")
}

func TestParseOpenBraceOnlyFailsFast(t *testing.T) {
	_, err := Parse("{broken: true")

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StageDirect, perr.Stage, "no closing brace means no salvage attempt")
}

func TestParseBracesOutOfOrder(t *testing.T) {
	_, err := Parse("} nothing here {")

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StageDirect, perr.Stage)
}

func TestParseEmptyInput(t *testing.T) {
	for _, raw := range []string{"", "   \n "} {
		_, err := Parse(raw)

		var perr *ParseError
		require.True(t, errors.As(err, &perr), "input %q", raw)
		assert.Equal(t, StageDirect, perr.Stage)
	}
}

func TestParseSalvageFailureSurfacesSecondError(t *testing.T) {
	raw := `Result: {"titulo": "Dune",} thanks`

	_, err := Parse(raw)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StageSalvage, perr.Stage)
	assert.Contains(t, perr.Error(), "salvage")
}

// Concatenated objects are spanned as one candidate by the salvage step and
// fail to decode. This is the accepted behaviour of the heuristic.
func TestParseConcatenatedObjectsFail(t *testing.T) {
	_, err := Parse(`{"titulo":"Dune"} {"titulo":"Emma"}`)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, StageSalvage, perr.Stage)
}

func TestParseArrayReturnedAsIs(t *testing.T) {
	value, err := Parse(`[{"titulo":"Dune"},{"titulo":"Emma"}]`)
	require.NoError(t, err)

	arr, ok := value.([]any)
	require.True(t, ok)
	assert.Len(t, arr, 2)
}

func TestParseNestedBracesInDirectPath(t *testing.T) {
	raw := `{"titulo":"{Dune}","meta":{"tags":["}{"]}}`

	res, err := Extract(raw)
	require.NoError(t, err)
	assert.Equal(t, StageDirect, res.Stage)
	assert.Equal(t, "{Dune}", res.Value.(map[string]any)["titulo"])
}

func TestParseRoundTrip(t *testing.T) {
	original := map[string]any{
		"titulo":  "Cien años de soledad",
		"autor":   "Gabriel García Márquez",
		"paginas": float64(471),
		"premio":  true,
		"serie":   nil,
		"generos": []any{"realismo mágico", "novela"},
		"edicion": map[string]any{"anio": float64(1967)},
	}
	data, err := json.Marshal(original)
	require.NoError(t, err)

	value, err := Parse(string(data))
	require.NoError(t, err)
	assert.Equal(t, original, value)
}

func TestParseObject(t *testing.T) {
	obj, err := ParseObject("```json\n{\"titulo\":\"Dune\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Dune", *String(obj, "titulo"))
	assert.Nil(t, String(obj, "autor"))

	_, err = ParseObject(`["Dune"]`)
	assert.ErrorIs(t, err, ErrNotObject)
}

func TestStringField(t *testing.T) {
	obj := map[string]any{"titulo": "Dune", "autor": nil, "paginas": 412.0}

	require.NotNil(t, String(obj, "titulo"))
	assert.Nil(t, String(obj, "autor"))
	assert.Nil(t, String(obj, "paginas"))
	assert.Nil(t, String(obj, "missing"))
}

func TestSnippetTruncatesByCharacter(t *testing.T) {
	long := strings.Repeat("ñ", SnippetLength+50)

	snippet := Snippet(long)
	assert.Equal(t, SnippetLength, len([]rune(snippet)))
	assert.Equal(t, "short", Snippet("short"))

	_, err := Parse(long)
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, SnippetLength, len([]rune(perr.Snippet)))
}
