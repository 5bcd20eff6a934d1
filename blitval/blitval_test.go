package blitval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidJSON(t *testing.T) {
	_, err := New([]byte(`{not json`))
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestNewRejectsNonObjectTopLevel(t *testing.T) {
	_, err := New([]byte(`[1,2,3]`))
	require.ErrorIs(t, err, ErrInvalidValue)
}

func TestTryGetResolvesNestedField(t *testing.T) {
	v, err := New([]byte(`{"Name":"Oren","@metadata":{"Raven-Entity-Name":"Users"}}`))
	require.NoError(t, err)

	name, ok := v.TryGet("Name")
	require.True(t, ok)
	require.Equal(t, "Oren", name)

	entity, ok := v.TryGetString("@metadata.Raven-Entity-Name")
	require.True(t, ok)
	require.Equal(t, "Users", entity)

	_, ok = v.TryGet("@metadata.Missing")
	require.False(t, ok)
}

func TestWithFieldStampsMetadataWithoutLosingExistingFields(t *testing.T) {
	v, err := New([]byte(`{"Name":"Oren","@metadata":{"Raven-Entity-Name":"Users"}}`))
	require.NoError(t, err)

	stamped, err := v.WithField("@metadata.Raven-Last-Modified", "2026-08-06T00:00:00Z")
	require.NoError(t, err)

	name, ok := stamped.TryGet("Name")
	require.True(t, ok)
	require.Equal(t, "Oren", name)

	entity, ok := stamped.TryGetString("@metadata.Raven-Entity-Name")
	require.True(t, ok)
	require.Equal(t, "Users", entity)

	stampedAt, ok := stamped.TryGetString("@metadata.Raven-Last-Modified")
	require.True(t, ok)
	require.Equal(t, "2026-08-06T00:00:00Z", stampedAt)
}

func TestWithFieldCreatesIntermediateObjects(t *testing.T) {
	v, err := New([]byte(`{}`))
	require.NoError(t, err)

	stamped, err := v.WithField("@metadata.Raven-Entity-Name", "Dogs")
	require.NoError(t, err)

	entity, ok := stamped.TryGetString("@metadata.Raven-Entity-Name")
	require.True(t, ok)
	require.Equal(t, "Dogs", entity)
}

func TestFromMarshalsAndValidates(t *testing.T) {
	v, err := From(map[string]any{"Name": "Ayende"})
	require.NoError(t, err)
	name, ok := v.TryGet("Name")
	require.True(t, ok)
	require.Equal(t, "Ayende", name)
}
