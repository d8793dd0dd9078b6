package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToFloat64(t *testing.T) {
	assert.Equal(t, 0.1, ToFloat64("0.1"))
	assert.Equal(t, 42.5, ToFloat64(" 42.5 "))
	assert.Equal(t, 3.0, ToFloat64(json.Number("3")))
	assert.Equal(t, 7.0, ToFloat64(int64(7)))
	assert.Equal(t, 0.0, ToFloat64("n/a"))
	assert.Equal(t, 0.0, ToFloat64(struct{}{}))
}
