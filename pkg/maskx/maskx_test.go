package maskx_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keyfleet/keyfleet/pkg/maskx"
)

func TestSecret_SKPrefix(t *testing.T) {
	got := maskx.Secret("sk-abcdefghijklmnop")
	assert.Equal(t, "sk-...mnop", got)
	assert.Len(t, got, 10)
}

func TestSecret_Generic(t *testing.T) {
	got := maskx.Secret("MYKEYTHATISLONGTHIS")
	assert.Equal(t, "MYK...THIS", got)
	assert.Len(t, got, 10)
}

func TestSecret_Empty(t *testing.T) {
	got := maskx.Secret("")
	assert.Equal(t, "N/A       ", got)
	assert.Len(t, got, 10)
}

func TestSecret_Short(t *testing.T) {
	assert.Len(t, maskx.Secret("a"), 10)
	assert.Len(t, maskx.Secret("abc"), 10)
	assert.Len(t, maskx.Secret("sk-x"), 10)
}

func TestSecret_NeverRevealsBody(t *testing.T) {
	secret := "sk-verysecretmiddleportionABCD"
	got := maskx.Secret(secret)
	assert.NotContains(t, got, "verysecret")
	assert.Len(t, got, 10)
}
