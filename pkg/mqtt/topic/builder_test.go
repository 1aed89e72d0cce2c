package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilder(t *testing.T) {
	tests := []struct {
		root   string
		status string
		online string
	}{
		{root: "ota/v1", status: "ota/v1/dev-01/ota/status", online: "ota/v1/dev-01/ota/online"},
		{root: "/fleet/", status: "fleet/dev-01/ota/status", online: "fleet/dev-01/ota/online"},
		{root: "", status: "dev-01/ota/status", online: "dev-01/ota/online"},
	}

	for _, tt := range tests {
		b := NewBuilder(tt.root)
		assert.Equal(t, tt.status, b.Status("dev-01"))
		assert.Equal(t, tt.online, b.Online("dev-01"))
	}
	assert.Equal(t, "ota/v1/+/ota/status", NewBuilder("ota/v1").StatusWildcard())
}
