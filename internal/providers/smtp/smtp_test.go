package smtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGatewayAddress(t *testing.T) {
	assert.Equal(t, "966501234567@sms.example.com", gatewayAddress("+966501234567", "sms.example.com"))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Host: "localhost", Port: 25})
	assert.Error(t, err, "missing gateway domain")

	_, err = New(Config{Host: "localhost", Port: 25, GatewayDomain: "sms.example.com", AuthProtocol: "kerberos"})
	assert.Error(t, err, "unknown auth protocol")
}
