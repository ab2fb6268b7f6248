package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandServerAddr(t *testing.T) {
	assert.Equal(t, "https://myhost:2581", ExpandServerAddr("myhost"))
	assert.Equal(t, "https://myhost:1234", ExpandServerAddr("myhost:1234"))
	assert.Equal(t, "https://myhost", ExpandServerAddr("myhost:443"))
	assert.Equal(t, "http://myhost:1234", ExpandServerAddr("http://myhost:1234/"))
}

func TestCollapseServerAddr(t *testing.T) {
	assert.Equal(t, "myhost", CollapseServerAddr("myhost:2581"))
	assert.Equal(t, "myhost:1234", CollapseServerAddr("myhost:1234"))
	assert.Equal(t, "myhost:443", CollapseServerAddr("https://myhost"))
	assert.Equal(t, "myhost", CollapseServerAddr("https://myhost:2581"))
	assert.Equal(t, "http://myhost:1234", CollapseServerAddr("http://myhost:1234"))
}

func TestExtractProfile(t *testing.T) {
	assert.Equal(t, "work", ExtractProfile("/home/phil/.config/rpipe/work.yml"))
}
