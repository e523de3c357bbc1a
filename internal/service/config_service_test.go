package service_test

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsforward/internal/cache"
	appErrors "github.com/unclebandit/smsforward/internal/errors"
	"github.com/unclebandit/smsforward/internal/model"
	"github.com/unclebandit/smsforward/internal/repository"
	"github.com/unclebandit/smsforward/internal/service"
)

type configFixture struct {
	svc     *service.ConfigService
	repo    *repository.TargetRepository
	cache   *cache.ConfigCache
	prober  *MockProber
	channel *service.ChannelService
}

func newConfigFixture(t *testing.T) *configFixture {
	d := newTestDB(t)
	f := &configFixture{
		repo:    &repository.TargetRepository{DB: d},
		cache:   cache.NewConfigCache(cache.NewMemoryKV(), cache.NewMemoryKV()),
		prober:  &MockProber{ProxyMsg: "ok"},
		channel: service.NewChannelService(&repository.ChannelRepository{DB: d}),
	}
	f.svc = service.NewConfigService(f.repo, f.cache, f.prober, f.channel, &MemorySink{})
	return f
}

func validTarget() model.TransportTarget {
	return model.TransportTarget{
		DisplayName: "Work",
		Address:     "me@example.com",
		Host:        "smtp.example.com",
		Port:        587,
		Username:    "me@example.com",
		Password:    "secret",
		Enabled:     true,
	}
}

func TestAddTargetAssignsIDAndSyncsCache(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture(t)

	created, err := f.svc.AddTarget(ctx, validTarget())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	cached := f.cache.Load()
	require.Len(t, cached, 1)
	assert.Equal(t, created.ID, cached[0].ID)
	assert.Equal(t, "secret", cached[0].Password)
}

func TestAddTargetRejectsBadPorts(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture(t)

	for _, port := range []int{0, 70000} {
		tgt := validTarget()
		tgt.Port = port
		_, err := f.svc.AddTarget(ctx, tgt)
		var verr *appErrors.ValidationError
		assert.ErrorAs(t, err, &verr, "port %d", port)
	}

	tgt := validTarget()
	tgt.Proxy = &model.ProxyConfig{Enabled: true, Type: model.ProxyHTTP, Host: "proxy.local", Port: 70000}
	_, err := f.svc.AddTarget(ctx, tgt)
	var verr *appErrors.ValidationError
	assert.ErrorAs(t, err, &verr)

	n, err := f.repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.cache.Load())
}

func TestAddTargetDropsBlankDisabledProxy(t *testing.T) {
	f := newConfigFixture(t)
	tgt := validTarget()
	tgt.Proxy = &model.ProxyConfig{Type: model.ProxyHTTP}

	created, err := f.svc.AddTarget(context.Background(), tgt)
	require.NoError(t, err)
	assert.Nil(t, created.Proxy)
}

func TestUpdateToggleDeleteResyncCache(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture(t)
	created, err := f.svc.AddTarget(ctx, validTarget())
	require.NoError(t, err)

	created.Host = "smtp.other.com"
	_, err = f.svc.UpdateTarget(ctx, *created)
	require.NoError(t, err)
	assert.Equal(t, "smtp.other.com", f.cache.Load()[0].Host)

	toggled, err := f.svc.ToggleTarget(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)
	assert.False(t, f.cache.Load()[0].Enabled)

	require.NoError(t, f.svc.DeleteTarget(ctx, created.ID))
	assert.Empty(t, f.cache.Load())

	var nf *appErrors.NotFoundError
	assert.ErrorAs(t, f.svc.DeleteTarget(ctx, created.ID), &nf)
}

func TestExportImportReplacesTargets(t *testing.T) {
	ctx := context.Background()
	source := newConfigFixture(t)
	_, err := source.svc.AddTarget(ctx, validTarget())
	require.NoError(t, err)

	text, ok := source.svc.ExportConfig()
	require.True(t, ok)

	dest := newConfigFixture(t)
	other := validTarget()
	other.Address = "old@example.com"
	_, err = dest.svc.AddTarget(ctx, other)
	require.NoError(t, err)

	imported, err := dest.svc.ImportConfig(ctx, text)
	require.NoError(t, err)
	require.Len(t, imported, 1)

	list, err := dest.svc.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "me@example.com", list[0].Address)
	assert.Equal(t, "me@example.com", dest.cache.Load()[0].Address)
}

func TestImportRejectsUnknownVersion(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture(t)
	_, err := f.svc.AddTarget(ctx, validTarget())
	require.NoError(t, err)

	text := base64.StdEncoding.EncodeToString([]byte(`{"version":2,"timestamp":0,"configs":[]}`))
	_, err = f.svc.ImportConfig(ctx, text)

	var ierr *appErrors.ImportFormatError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 2, ierr.Version)
	n, err := f.repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRestoreFromCache(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture(t)
	tgt := validTarget()
	tgt.ID = "cached-1"
	require.NoError(t, f.cache.Save([]model.TransportTarget{tgt}))

	n, err := f.svc.RestoreFromCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetTarget(ctx, "cached-1")
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Password)

	n, err = f.svc.RestoreFromCache(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "non-empty store is left alone")
}

func TestTestTargetAndProxy(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture(t)

	require.NoError(t, f.svc.TestTarget(ctx, validTarget()))
	assert.Equal(t, []string{"me@example.com"}, f.prober.Probed)

	f.prober.ConnErr = appErrors.NewAuthenticationError(errors.New("535"))
	var aerr *appErrors.AuthenticationError
	assert.ErrorAs(t, f.svc.TestTarget(ctx, validTarget()), &aerr)

	msg, err := f.svc.TestProxyReachability(ctx, validTarget())
	require.NoError(t, err)
	assert.Equal(t, "ok", msg)

	bad := validTarget()
	bad.Proxy = &model.ProxyConfig{Enabled: true, Type: "FTP", Host: "p", Port: 1}
	_, err = f.svc.TestProxyReachability(ctx, bad)
	var verr *appErrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestConfigSetChannelEnabled(t *testing.T) {
	ctx := context.Background()
	f := newConfigFixture(t)
	require.NoError(t, f.channel.SetChannels(ctx, nil))

	require.NoError(t, f.svc.SetChannelEnabled(ctx, 1, true))
	assert.True(t, f.channel.IsEnabled(ctx, 1))
}
