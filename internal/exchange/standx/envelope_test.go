package standx

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/makerbot/internal/exchange"
)

func TestDecodeEnvelopeShapes(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		shape shape
		items int
	}{
		{"bare list", `[{"qty":"0.05"}]`, shapeBare, 1},
		{"result list", `{"result":[{"id":1},{"id":2}]}`, shapeResult, 2},
		{"data list", `{"data":[]}`, shapeData, 0},
		{"null result falls through to data", `{"result":null,"data":[{"id":"a"}]}`, shapeData, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := decodeEnvelope([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.shape, env.shape)

			items, err := env.list()
			require.NoError(t, err)
			assert.Len(t, items, tt.items)
		})
	}
}

func TestDecodeEnvelopeBareObject(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"code":0,"message":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, shapeBare, env.shape)

	var reply orderReply
	require.NoError(t, env.object(&reply))
	require.NotNil(t, reply.Code)
	assert.Equal(t, 0, *reply.Code)

	_, err = env.list()
	assert.True(t, errors.Is(err, exchange.ErrNoData), "an object is not a list")
}

func TestDecodeEnvelopeUnrecognized(t *testing.T) {
	for _, body := range []string{"", "   ", `"pong"`, `42`} {
		_, err := decodeEnvelope([]byte(body))
		assert.True(t, errors.Is(err, exchange.ErrNoData), "body %q", body)
	}

	_, err := decodeEnvelope([]byte(`{broken`))
	require.Error(t, err)
}

func TestFlexStringAcceptsNumbersAndStrings(t *testing.T) {
	var orders []struct {
		ID flexString `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(`[{"id":"abc"},{"id":12345},{"id":null}]`), &orders))

	assert.Equal(t, flexString("abc"), orders[0].ID)
	assert.Equal(t, flexString("12345"), orders[1].ID)
	assert.Equal(t, flexString(""), orders[2].ID)

	var bad struct {
		ID flexString `json:"id"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"id":true}`), &bad))
}
