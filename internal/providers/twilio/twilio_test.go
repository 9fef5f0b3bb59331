package twilio

import (
	"context"
	"errors"
	"testing"

	"github.com/officedir/phoneauth/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	params *twilioApi.CreateMessageParams
	err    error
}

func (f *fakeAPI) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = p
	return &twilioApi.ApiV2010Message{}, f.err
}

func TestPushSMS(t *testing.T) {
	f := &fakeAPI{}
	tw, err := newWithAPI(Config{FromNumber: "+15005550006"}, f)
	require.NoError(t, err)
	assert.Equal(t, "SMS", tw.ChannelName())

	require.NoError(t, tw.Push(context.Background(), models.Message{To: "+966501234567", Body: "code 123456"}))
	assert.Equal(t, "+966501234567", *f.params.To)
	assert.Equal(t, "+15005550006", *f.params.From)
	assert.Equal(t, "code 123456", *f.params.Body)
}

func TestPushWhatsApp(t *testing.T) {
	f := &fakeAPI{}
	tw, err := newWithAPI(Config{FromNumber: "+15005550006", Channel: "whatsapp"}, f)
	require.NoError(t, err)
	assert.Equal(t, "WhatsApp", tw.ChannelName())

	require.NoError(t, tw.Push(context.Background(), models.Message{To: "+966501234567"}))
	assert.Equal(t, "whatsapp:+966501234567", *f.params.To)
	assert.Equal(t, "whatsapp:+15005550006", *f.params.From)
}

func TestPushError(t *testing.T) {
	f := &fakeAPI{err: errors.New("21211 invalid 'To' number")}
	tw, err := newWithAPI(Config{FromNumber: "+15005550006"}, f)
	require.NoError(t, err)
	assert.Error(t, tw.Push(context.Background(), models.Message{To: "+966501234567"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.params = nil
	assert.Error(t, tw.Push(ctx, models.Message{To: "+966501234567"}))
	assert.Nil(t, f.params, "cancelled push must not reach the API")
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{FromNumber: "+15005550006"})
	assert.Error(t, err)

	_, err = New(Config{AccountSID: "AC1", AuthToken: "t"})
	assert.Error(t, err)

	_, err = newWithAPI(Config{Channel: "pigeon"}, &fakeAPI{})
	assert.Error(t, err)

	tw, err := New(Config{AccountSID: "AC1", AuthToken: "t", FromNumber: "+15005550006"})
	require.NoError(t, err)
	assert.Equal(t, "twilio", tw.ID())
}
