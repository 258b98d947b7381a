package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGettersFallBackWhenUnset(t *testing.T) {
	assert.Equal(t, "fallback", String("WHERETO_TEST_UNSET_STRING", "fallback"))
	assert.Equal(t, 7, Int("WHERETO_TEST_UNSET_INT", 7))
	assert.True(t, Bool("WHERETO_TEST_UNSET_BOOL", true))
	assert.Equal(t, time.Second, Duration("WHERETO_TEST_UNSET_DURATION", time.Second))
	assert.Equal(t, []string{"boston"}, Strings("WHERETO_TEST_UNSET_LIST", []string{"boston"}))
}

func TestGettersReadEnvironment(t *testing.T) {
	t.Setenv("WHERETO_TEST_STRING", " value ")
	t.Setenv("WHERETO_TEST_INT", "42")
	t.Setenv("WHERETO_TEST_BOOL", "off")
	t.Setenv("WHERETO_TEST_DURATION", "250ms")
	t.Setenv("WHERETO_TEST_LIST", "Boston, ,Chicago")

	assert.Equal(t, "value", String("WHERETO_TEST_STRING", ""))
	assert.Equal(t, 42, Int("WHERETO_TEST_INT", 0))
	assert.False(t, Bool("WHERETO_TEST_BOOL", true))
	assert.Equal(t, 250*time.Millisecond, Duration("WHERETO_TEST_DURATION", time.Second))
	assert.Equal(t, []string{"Boston", "Chicago"}, Strings("WHERETO_TEST_LIST", nil))
}

func TestGettersRejectMalformedValues(t *testing.T) {
	t.Setenv("WHERETO_TEST_BAD_INT", "many")
	t.Setenv("WHERETO_TEST_BAD_DURATION", "-5s")

	assert.Equal(t, 3, Int("WHERETO_TEST_BAD_INT", 3))
	assert.Equal(t, time.Minute, Duration("WHERETO_TEST_BAD_DURATION", time.Minute))
}

func TestSetOverridesEnvironment(t *testing.T) {
	t.Setenv("WHERETO_TEST_OVERRIDE", "env")
	Set("WHERETO_TEST_OVERRIDE", "flag")
	t.Cleanup(func() { Set("WHERETO_TEST_OVERRIDE", nil) })

	assert.Equal(t, "flag", String("WHERETO_TEST_OVERRIDE", ""))
}
