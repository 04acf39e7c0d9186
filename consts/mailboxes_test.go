package consts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpecialUseJunk(t *testing.T) {
	assert.Equal(t, `\Junk`, SpecialUseJunk)
}
