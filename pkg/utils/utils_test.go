package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("UNLX_TEST_STR", "value")
	t.Setenv("UNLX_TEST_INT", "7")
	t.Setenv("UNLX_TEST_NEG", "-3")
	t.Setenv("UNLX_TEST_SECS", "90")
	t.Setenv("UNLX_TEST_LIST", " a, b ,,c ")

	assert.Equal(t, "value", Env("UNLX_TEST_STR", "def"))
	assert.Equal(t, "def", Env("UNLX_TEST_MISSING", "def"))

	assert.Equal(t, 7, EnvInt("UNLX_TEST_INT", 1))
	assert.Equal(t, 1, EnvInt("UNLX_TEST_NEG", 1), "non-positive values fall back")
	assert.Equal(t, 1, EnvInt("UNLX_TEST_MISSING", 1))

	assert.Equal(t, 90*time.Second, EnvSeconds("UNLX_TEST_SECS", time.Minute))
	assert.Equal(t, time.Minute, EnvSeconds("UNLX_TEST_MISSING", time.Minute))

	assert.Equal(t, []string{"a", "b", "c"}, EnvList("UNLX_TEST_LIST"))
	assert.Nil(t, EnvList("UNLX_TEST_MISSING"))
}

func TestDedup(t *testing.T) {
	in := []string{"https://a.example/", "https://a.example", "https://b.example"}
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, Dedup(in),
		"trailing slashes normalize before comparison")
}
