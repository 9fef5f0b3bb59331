package auth

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/officedir/phoneauth/internal/otp"
	"github.com/officedir/phoneauth/internal/store/mem"
	"github.com/officedir/phoneauth/internal/token"
	umem "github.com/officedir/phoneauth/internal/users/mem"
	"github.com/officedir/phoneauth/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
	"golang.org/x/crypto/bcrypt"
)

const testPhone = "+966501234567"

var (
	ctx = context.Background()
	t0  = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// notifier records the last code sent per session.
type notifier struct {
	mu    sync.Mutex
	codes map[string]string
	sent  int
	err   error
}

func (n *notifier) ValidateAddress(phone string) error {
	if len(phone) < 9 || phone[0] != '+' {
		return errors.New("invalid mobile number")
	}
	return nil
}

func (n *notifier) Send(ctx context.Context, s models.Session, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.codes[s.ID] = code
	n.sent++
	return nil
}

func (n *notifier) code(id string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[id]
}

type fixture struct {
	svc    *Service
	clk    *testClock
	store  *mem.Mem
	dir    *umem.Mem
	notify *notifier
	tokens *token.Issuer
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()

	clk := &testClock{t: t0}
	st := mem.New(clk.Now)
	m := otp.NewManager(st, otp.Config{HashCost: bcrypt.MinCost}, clk.Now)

	tokens, err := token.New(token.Config{
		Issuer:        "phoneauth-test",
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
	}, clk.Now)
	require.NoError(t, err)

	f := &fixture{
		clk:    clk,
		store:  st,
		dir:    umem.New(),
		notify: &notifier{codes: make(map[string]string)},
		tokens: tokens,
	}
	f.svc = New(cfg, m, tokens, f.dir, f.notify, logf.New(logf.Opts{Writer: os.Stderr}))
	return f
}

func wrongCode(code string) string {
	b := []byte(code)
	b[0] = '0' + (b[0]-'0'+1)%10
	return string(b)
}

func TestNormalizePhone(t *testing.T) {
	f := setup(t, Config{})

	assert.Equal(t, "+966501234567", f.svc.NormalizePhone("", "501234567"))
	assert.Equal(t, "+966501234567", f.svc.NormalizePhone("", "  501234567 "))
	assert.Equal(t, "+971501234567", f.svc.NormalizePhone("+971", "501234567"))
	assert.Equal(t, "+971501234567", f.svc.NormalizePhone("971", "501234567"))

	// A bare home country code maps to the same number as the default.
	assert.Equal(t, "+966501234567", f.svc.NormalizePhone("966", "501234567"))
	assert.Equal(t, f.svc.NormalizePhone("", "501234567"), f.svc.NormalizePhone("966", "501234567"))
	assert.Equal(t, f.svc.NormalizePhone("+966", "501234567"), f.svc.NormalizePhone("966", "501234567"))

	assert.Equal(t, "+14155550100", f.svc.NormalizePhone("+966", "+14155550100"))
	assert.Equal(t, "", f.svc.NormalizePhone("+966", "  "))

	g := setup(t, Config{DefaultCountryCode: "+20"})
	assert.Equal(t, "+20100123456", g.svc.NormalizePhone("", "100123456"))
}

func TestRequestCode(t *testing.T) {
	f := setup(t, Config{})

	res, err := f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Empty(t, res.Code, "code must not be echoed outside dev mode")
	assert.Len(t, f.notify.code(res.SessionID), 6)

	_, err = f.svc.RequestCode(ctx, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.RequestCode(ctx, "0501")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRequestCodeDevMode(t *testing.T) {
	f := setup(t, Config{DevMode: true})

	res, err := f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, f.notify.code(res.SessionID), res.Code)
}

func TestRequestCodeDeliveryFailure(t *testing.T) {
	f := setup(t, Config{})
	f.notify.err = errors.New("gateway down")

	_, err := f.svc.RequestCode(ctx, testPhone)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, f.store.Len(), "undelivered session should be discarded")
}

func TestFirstLogin(t *testing.T) {
	f := setup(t, Config{})

	res, err := f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)

	out, err := f.svc.SubmitCode(ctx, testPhone, f.notify.code(res.SessionID), res.SessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, out.User.ID)
	assert.Equal(t, testPhone, out.User.Phone)
	assert.Equal(t, models.RoleIndividual, out.User.Role)
	assert.False(t, out.User.IsProfileComplete)

	u, err := f.dir.FindByPhone(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, out.User.ID, u.ID)
	assert.True(t, u.IsVerified)
	assert.True(t, u.IsActive)
	assert.Equal(t, []string{}, u.Permissions)

	id, err := f.tokens.VerifyAccess(out.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.Identity(), id)

	id, err = f.tokens.VerifyRefresh(out.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id.UserID)
}

func TestReturningUser(t *testing.T) {
	f := setup(t, Config{})
	f.dir.Put(models.User{
		ID:              "u-admin",
		Phone:           testPhone,
		Role:            models.RoleAdmin,
		Permissions:     []string{"users:manage"},
		IsActive:        true,
		ProfileComplete: true,
	})

	res, err := f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)
	out, err := f.svc.SubmitCode(ctx, testPhone, f.notify.code(res.SessionID), res.SessionID)
	require.NoError(t, err)

	assert.Equal(t, "u-admin", out.User.ID)
	assert.Equal(t, models.RoleAdmin, out.User.Role)
	assert.True(t, out.User.IsProfileComplete)
	assert.Equal(t, 1, f.dir.Len())

	id, err := f.svc.Authenticate(out.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"users:manage"}, id.Permissions)
}

func TestInactiveUserLogin(t *testing.T) {
	f := setup(t, Config{})
	f.dir.Put(models.User{ID: "u1", Phone: testPhone, Role: models.RoleIndividual})

	res, err := f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)
	_, err = f.svc.SubmitCode(ctx, testPhone, f.notify.code(res.SessionID), res.SessionID)
	assert.Equal(t, ErrInactive, err)
}

func TestLockout(t *testing.T) {
	f := setup(t, Config{})

	res, err := f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)
	code := f.notify.code(res.SessionID)

	for i := 0; i < 5; i++ {
		_, err := f.svc.SubmitCode(ctx, testPhone, wrongCode(code), res.SessionID)
		assert.Equal(t, ErrInvalidOrExpired, err)
	}

	// The correct code no longer works and reveals nothing.
	out, err := f.svc.SubmitCode(ctx, testPhone, code, res.SessionID)
	assert.Equal(t, ErrInvalidOrExpired, err)
	assert.Empty(t, out.Tokens.AccessToken)
	assert.Equal(t, 0, f.dir.Len(), "no user may be created for a locked session")

	_, err = f.svc.Resend(ctx, testPhone, res.SessionID)
	assert.Equal(t, ErrInvalidOrExpired, err, "locked session can't be resent")
}

func TestSubmitFailuresAreUniform(t *testing.T) {
	f := setup(t, Config{})

	res, err := f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)
	code := f.notify.code(res.SessionID)

	_, err = f.svc.SubmitCode(ctx, "+966500000000", code, res.SessionID)
	assert.Equal(t, ErrInvalidOrExpired, err, "other phone")

	_, err = f.svc.SubmitCode(ctx, testPhone, code, "no-such-session")
	assert.Equal(t, ErrInvalidOrExpired, err, "unknown session")

	_, err = f.svc.SubmitCode(ctx, testPhone, "", res.SessionID)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.SubmitCode(ctx, testPhone, code, res.SessionID)
	require.NoError(t, err)

	_, err = f.svc.SubmitCode(ctx, testPhone, code, res.SessionID)
	assert.Equal(t, ErrInvalidOrExpired, err, "already used")

	res, err = f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)
	f.clk.Add(5 * time.Minute)
	_, err = f.svc.SubmitCode(ctx, testPhone, f.notify.code(res.SessionID), res.SessionID)
	assert.Equal(t, ErrInvalidOrExpired, err, "expired")
}

func TestResendCooldown(t *testing.T) {
	f := setup(t, Config{})

	res, err := f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)
	first := f.notify.code(res.SessionID)

	f.clk.Add(20 * time.Second)
	_, err = f.svc.Resend(ctx, testPhone, res.SessionID)
	require.ErrorIs(t, err, ErrCooldown)

	var ce *CooldownError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 40*time.Second, ce.RetryAfter)
	assert.Equal(t, 1, f.notify.sent)

	f.clk.Add(40 * time.Second)
	out, err := f.svc.Resend(ctx, testPhone, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, out.RetryAfter)

	second := f.notify.code(res.SessionID)
	if first != second {
		_, err = f.svc.SubmitCode(ctx, testPhone, first, res.SessionID)
		assert.Equal(t, ErrInvalidOrExpired, err, "old code must stop working")
	}

	// Cooldown restarts from the last send.
	_, err = f.svc.Resend(ctx, testPhone, res.SessionID)
	assert.ErrorIs(t, err, ErrCooldown)

	_, err = f.svc.SubmitCode(ctx, testPhone, second, res.SessionID)
	assert.NoError(t, err)
}

func TestResendExtendsExpiry(t *testing.T) {
	f := setup(t, Config{ResendCooldown: time.Minute})

	res, err := f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)

	f.clk.Add(4 * time.Minute)
	_, err = f.svc.Resend(ctx, testPhone, res.SessionID)
	require.NoError(t, err)

	// Past the original expiry, within the new one.
	f.clk.Add(3 * time.Minute)
	_, err = f.svc.SubmitCode(ctx, testPhone, f.notify.code(res.SessionID), res.SessionID)
	assert.NoError(t, err)
}

func TestResendRejects(t *testing.T) {
	f := setup(t, Config{})

	_, err := f.svc.Resend(ctx, testPhone, "no-such-session")
	assert.Equal(t, ErrInvalidOrExpired, err)

	_, err = f.svc.Resend(ctx, testPhone, "")
	assert.ErrorIs(t, err, ErrValidation)

	res, err := f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)
	f.clk.Add(6 * time.Minute)
	_, err = f.svc.Resend(ctx, testPhone, res.SessionID)
	assert.Equal(t, ErrInvalidOrExpired, err, "expired session")
}

func TestRefresh(t *testing.T) {
	f := setup(t, Config{})

	res, err := f.svc.RequestCode(ctx, testPhone)
	require.NoError(t, err)
	out, err := f.svc.SubmitCode(ctx, testPhone, f.notify.code(res.SessionID), res.SessionID)
	require.NoError(t, err)

	// Role changes take effect on refresh.
	u, err := f.dir.FindByID(ctx, out.User.ID)
	require.NoError(t, err)
	u.Role = models.RoleModerator
	f.dir.Put(u)

	pair, err := f.svc.Refresh(ctx, out.Tokens.RefreshToken)
	require.NoError(t, err)
	id, err := f.tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, models.RoleModerator, id.Role)

	_, err = f.svc.Refresh(ctx, out.Tokens.AccessToken)
	assert.Equal(t, ErrInvalidToken, err, "access token used as refresh token")

	_, err = f.svc.Refresh(ctx, "")
	assert.Equal(t, ErrInvalidToken, err)

	// Deactivated users can't refresh.
	u.IsActive = false
	f.dir.Put(u)
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.Equal(t, ErrInvalidToken, err)
}

func TestRefreshExpired(t *testing.T) {
	f := setup(t, Config{})

	pair, err := f.tokens.IssuePair(models.Identity{UserID: "ghost", Phone: testPhone, Role: models.RoleIndividual})
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.Equal(t, ErrInvalidToken, err, "unknown user")

	f.dir.Put(models.User{ID: "ghost", Phone: testPhone, Role: models.RoleIndividual, IsActive: true})
	f.clk.Add(7*24*time.Hour + time.Second)
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.Equal(t, ErrInvalidToken, err, "expired")
}

func TestLogout(t *testing.T) {
	f := setup(t, Config{})
	assert.NoError(t, f.svc.Logout(ctx, models.Identity{UserID: "u1"}))

	_, err := f.svc.Authenticate("nope")
	assert.Equal(t, ErrInvalidToken, err)
}
