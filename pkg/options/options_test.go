package options

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	wifi := NewWifiOptions()
	wifi.SSID = "lab"

	for name, o := range map[string]IOptions{
		"ota":     NewOTAOptions(),
		"wifi":    wifi,
		"storage": NewStorageOptions(),
		"hal":     NewHALOptions(),
		"http":    NewHttpOptions(),
		"mqtt":    NewMqttOptions(),
		"s3":      NewS3Options(),
	} {
		assert.Empty(t, o.Validate(), name)
	}
}

func TestOTAOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(o *OTAOptions)
		errs   int
	}{
		{"s3 url", func(o *OTAOptions) { o.URL = "s3://firmware/app.bin" }, 0},
		{"bad scheme", func(o *OTAOptions) { o.URL = "ftp://host/fw" }, 1},
		{"no host", func(o *OTAOptions) { o.URL = "http:///fw" }, 1},
		{"zero timeout", func(o *OTAOptions) { o.Timeout = 0 }, 1},
		{"negative reboot delay", func(o *OTAOptions) { o.RebootDelay = -time.Second }, 1},
		{"small buffer and timeout", func(o *OTAOptions) {
			o.BufferSize = 16
			o.Timeout = -1
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOTAOptions()
			tt.modify(o)
			assert.Len(t, o.Validate(), tt.errs)
		})
	}
}

func TestWifiOptions_Validate(t *testing.T) {
	o := NewWifiOptions()
	assert.Len(t, o.Validate(), 1, "ssid is required")

	o.SSID = "lab"
	o.Password = "short"
	assert.Len(t, o.Validate(), 1)

	o.Password = ""
	o.Driver = "static"
	o.SSID = ""
	assert.Empty(t, o.Validate())

	o.Driver = "ppp"
	o.Interface = ""
	assert.Len(t, o.Validate(), 2)
}

func TestHALOptions_Validate(t *testing.T) {
	o := NewHALOptions()
	o.FlashImage = "flash.bin"
	o.FlashSize = 1000
	o.RestartMode = "halt"
	assert.Len(t, o.Validate(), 3)

	o = NewHALOptions()
	o.Backend = "memory"
	o.FlashImage = ""
	assert.Empty(t, o.Validate())
}

func TestMqttOptions_DisabledSkipsValidation(t *testing.T) {
	o := NewMqttOptions()
	o.TopicRoot = ""
	assert.Empty(t, o.Validate())

	o.Broker = "tcp://10.0.0.1:1883"
	assert.Len(t, o.Validate(), 1)
}

func TestS3Options_Validate(t *testing.T) {
	o := NewS3Options()
	o.AccessKeyID = "minio"
	assert.Len(t, o.Validate(), 1)

	o.SecretAccessKey = "minio123"
	assert.Empty(t, o.Validate())
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("0.0.0.0:9108"))
	assert.NoError(t, ValidateAddress(":9108"))
	assert.Error(t, ValidateAddress("9108"))
	assert.Error(t, ValidateAddress("127.0.0.1:0"))
	assert.Error(t, ValidateAddress("127.0.0.1:http"))
}

func TestAddFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	ota := NewOTAOptions()
	storage := NewStorageOptions()
	ota.AddFlags(fs)
	storage.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--ota.url=http://10.0.0.5/fw.bin",
		"--ota.timeout=3s",
		"--storage.mount-path=/data",
	}))
	assert.Equal(t, "http://10.0.0.5/fw.bin", ota.URL)
	assert.Equal(t, 3*time.Second, ota.Timeout)
	assert.Equal(t, "/data", storage.MountPath)
	assert.Equal(t, 4096, ota.BufferSize)
}
