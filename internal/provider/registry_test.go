package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewOpenAIProvider("openai", "k", "", nil, nil)))
	require.NoError(t, r.Register(NewBaiduProvider("baidu", "", nil, nil, nil)))

	p, err := r.Lookup("baidu")
	require.NoError(t, err)
	assert.Equal(t, "baidu", p.Name())

	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.Error(t, r.Register(NewBaiduProvider("baidu", "", nil, nil, nil)), "duplicate name")
	assert.Error(t, r.Register(nil))
	assert.Equal(t, []string{"baidu", "openai"}, r.Names())
}
