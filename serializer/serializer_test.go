package serializer_test

import (
	"testing"

	stderrors "errors"

	"github.com/eoniclabs/methodcache-go/errs"
	"github.com/eoniclabs/methodcache-go/serializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Name  string
	Count int
}

func TestMsgpackRoundTrip(t *testing.T) {
	s := serializer.NewMsgpackSerializer()

	data, err := s.Serialize(widget{Name: "bolt", Count: 3})
	require.NoError(t, err)

	var out widget
	require.NoError(t, s.Deserialize(data, &out))
	assert.Equal(t, widget{Name: "bolt", Count: 3}, out)
}

func TestEmptyInputDeserializesToAbsent(t *testing.T) {
	s := serializer.NewMsgpackSerializer()

	var out widget
	require.NoError(t, s.Deserialize(nil, &out))
	assert.Equal(t, widget{}, out)
}

func TestDeserializeFailureIsClassified(t *testing.T) {
	s := serializer.NewMsgpackSerializer()

	var out widget
	err := s.Deserialize([]byte{0xff, 0xff, 0xff}, &out)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errs.Deserialization))
}

func TestContentType(t *testing.T) {
	s := serializer.NewMsgpackSerializer()
	assert.Equal(t, "application/x-msgpack", s.ContentType())
}
