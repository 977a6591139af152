package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefinesFields(t *testing.T) {
	def := "DEFINE INDEX car_angle_idx ON images FIELDS carId, metadata.angle"
	assert.True(t, definesFields(def, "carId, metadata.angle"))
	assert.True(t, definesFields(def+" UNIQUE", "carId, metadata.angle"))
	assert.False(t, definesFields(def, "carId"))
	assert.False(t, definesFields(def, "carId, metadata.angl"))
	assert.False(t, definesFields(def, "carId, metadata.view"))
}
