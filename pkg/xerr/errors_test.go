package xerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, OK},
		{"direct", New(DbError, "boom"), DbError},
		{"wrapped", fmt.Errorf("save deposit: %w", Newf(ProviderError, "height %d", 7)), ProviderError},
		{"plain", errors.New("plain"), ServerCommonError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(QueueError, "enqueue block %d", 9)
	assert.Equal(t, "ErrCode:503, Msg:enqueue block 9", err.Error())
}
