package main

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smpmgr/smpmgr-go/pkg/fwimage"
	"github.com/smpmgr/smpmgr-go/pkg/transport"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want fwimage.Version
	}{
		{"1", fwimage.Version{Major: 1}},
		{"1.2.3", fwimage.Version{Major: 1, Minor: 2, Revision: 3}},
		{"2.0.300.70000", fwimage.Version{Major: 2, Revision: 300, Build: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := parseVersion(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}

	for _, bad := range []string{"", "1.x", "256.0.0", "1.2.3.4.5", "1..2"} {
		_, err := parseVersion(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidateConfig(t *testing.T) {
	saved := config
	t.Cleanup(func() { config = saved })

	config = Config{FragmentSize: 244, ResetDelay: time.Second}
	assert.NoError(t, validateConfig())

	config.FragmentSize = -1
	assert.Error(t, validateConfig())

	config.FragmentSize = 0
	config.Advertise = strings.Repeat("x", 64)
	assert.Error(t, validateConfig())
}

func TestListenPort(t *testing.T) {
	assert.Equal(t, uint16(4242), listenPort(&net.UDPAddr{Port: 4242}))
	assert.Equal(t, uint16(transport.DefaultPort), listenPort(&net.TCPAddr{Port: 1}))
}
